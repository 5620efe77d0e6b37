package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsMount(t *testing.T) {
	linux := "/data on /mnt/data type fuse.cachefs (rw,nosuid,nodev,relatime,user_id=1000,group_id=1000)\n" +
		"127.0.0.1:/ on /mnt/nfs type nfs (rw,relatime,vers=3)\n"
	darwin := "/dev/disk1s1 on / (apfs, local, journaled)\n" +
		"localhost:/ on /private/tmp/mnt (nfs, nodev, nosuid, mounted by me)\n"

	tests := []struct {
		name   string
		output string
		mount  string
		want   bool
	}{
		{"linux fuse", linux, "/mnt/data", true},
		{"linux nfs", linux, "/mnt/nfs", true},
		{"prefix is not a mount", linux, "/mnt", false},
		{"longer path", linux, "/mnt/data/sub", false},
		{"darwin", darwin, "/private/tmp/mnt", true},
		{"darwin root", darwin, "/", true},
		{"absent", darwin, "/Volumes/x", false},
		{"no trailing fields", "x on /m", "/m", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, containsMount(tt.output, tt.mount))
		})
	}
}

func TestUnmountNotMounted(t *testing.T) {
	// a fresh directory is never in the mount table
	assert.NoError(t, Unmount(t.TempDir()))
}
