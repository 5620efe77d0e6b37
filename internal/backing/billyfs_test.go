package backing

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBacking(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(dir)
	require.NoError(t, err)
	return b, dir
}

func TestStat(t *testing.T) {
	t.Parallel()
	b, dir := newBacking(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Symlink("f.txt", filepath.Join(dir, "sub", "link")))

	tests := []struct {
		path string
		kind Kind
		size int64
	}{
		{"", KindDirectory, -1},
		{"sub", KindDirectory, -1},
		{"sub/f.txt", KindRegular, 5},
		{"sub/link", KindSymlink, -1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			a, err := b.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, a.Kind)
			assert.NotZero(t, a.Ino)
			if tt.size >= 0 {
				assert.Equal(t, tt.size, a.Size)
			}
		})
	}

	_, err := b.Stat("missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadWriteAt(t *testing.T) {
	t.Parallel()
	b, dir := newBacking(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte("0123456789"), 0644))

	buf := make([]byte, 4)
	n, err := b.ReadAt("data", buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = b.ReadAt("data", buf, 8)
	require.NoError(t, err, "short read at EOF is not an error")
	assert.Equal(t, "89", string(buf[:n]))

	n, err = b.WriteAt("data", []byte("xy"), 12)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := os.ReadFile(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789\x00\x00xy", string(got))

	require.NoError(t, b.Truncate("data", 4))
	a, err := b.Stat("data")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.Size)

	_, err = b.ReadAt("nope", buf, 0)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestListDirAndReadlink(t *testing.T) {
	t.Parallel()
	b, dir := newBacking(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.Symlink("a", filepath.Join(dir, "l")))

	entries, err := b.ListDir("")
	require.NoError(t, err)
	kinds := map[string]Kind{}
	for _, e := range entries {
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, map[string]Kind{"a": KindRegular, "d": KindDirectory, "l": KindSymlink}, kinds)

	target, err := b.Readlink("l")
	require.NoError(t, err)
	assert.Equal(t, "a", target)
}

func TestOpenRejectsFile(t *testing.T) {
	t.Parallel()
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	_, err := Open(f)
	assert.ErrorIs(t, err, syscall.ENOTDIR)
}

func TestStatfs(t *testing.T) {
	t.Parallel()
	b, dir := newBacking(t)
	st, err := b.Statfs()
	require.NoError(t, err)
	assert.NotZero(t, st.Bsize)
	assert.NotZero(t, st.Blocks)

	free, err := FreeBytes(dir)
	require.NoError(t, err)
	assert.Positive(t, free)
}

func TestCounting(t *testing.T) {
	t.Parallel()
	b, dir := newBacking(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("abc"), 0644))
	c := NewCounting(b)

	buf := make([]byte, 8)
	_, err := c.ReadAt("f", buf, 0)
	require.NoError(t, err)
	_, err = c.Stat("f")
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Reads())
	assert.Equal(t, int64(3), c.ReadBytes())
	assert.Equal(t, int64(1), c.ReadsOf("f"))
	assert.Equal(t, int64(1), c.Stats())
	c.Reset()
	assert.Zero(t, c.Reads())
}
