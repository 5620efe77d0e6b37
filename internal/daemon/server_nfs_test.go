// Copyright 2024 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfsfile "github.com/willscott/go-nfs/file"

	"cachefs/internal/backing"
	"cachefs/internal/cache"
	"cachefs/internal/common"
	"cachefs/internal/vfs"
)

func newTestDispatcher(t *testing.T, dir string, writable bool) *vfs.Dispatcher {
	t.Helper()
	b, err := backing.Open(dir)
	require.NoError(t, err)
	store, err := cache.Open(cache.Options{
		FS:        osfs.New(t.TempDir(), osfs.WithBoundOS()),
		BlockSize: 4096,
		Buckets:   8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return vfs.NewDispatcher(vfs.Options{Backing: b, Store: store, Writable: writable, Version: "test"})
}

func newTestAdapter(t *testing.T, writable bool) (*BillyAdapter, string) {
	t.Helper()
	dir := t.TempDir()
	return NewBillyAdapter(context.Background(), newTestDispatcher(t, dir, writable)), dir
}

func TestBillyAdapterReadFile(t *testing.T) {
	a, dir := newTestAdapter(t, false)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), data, 0644))

	f, err := a.Open("/blob.bin")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// ReadAt past the end reports a short read with io.EOF
	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 9950)
	assert.Equal(t, 50, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, data[9950:], buf[:n])

	pos, err := f.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(9990), pos)
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, data[9990:], buf[:n])
}

func TestBillyAdapterStatAndReadDir(t *testing.T) {
	a, dir := newTestAdapter(t, false)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("hello"), 0640))
	require.NoError(t, os.Chmod(filepath.Join(dir, "sub", "a.txt"), 0640))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "sub", "link")))

	fi, err := a.Stat("/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", fi.Name())
	assert.Equal(t, int64(5), fi.Size())
	assert.Equal(t, os.FileMode(0440), fi.Mode().Perm(), "read-only mount masks write bits")
	assert.False(t, fi.IsDir())

	sys, ok := fi.Sys().(*nfsfile.FileInfo)
	require.True(t, ok)
	assert.Equal(t, uint32(os.Getuid()), sys.UID)
	assert.NotZero(t, sys.Fileid)
	assert.GreaterOrEqual(t, sys.Nlink, uint32(1))

	dirInfo, err := a.Stat("/sub")
	require.NoError(t, err)
	assert.True(t, dirInfo.IsDir())

	infos, err := a.ReadDir("/sub")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "link"}, names)

	target, err := a.Readlink("/sub/link")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	_, err = a.Stat("/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBillyAdapterRootListsVirtualFiles(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	infos, err := a.ReadDir("/")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	assert.Contains(t, names, common.BaseName(vfs.ControlFile))
	assert.Contains(t, names, common.BaseName(vfs.VersionFile))
}

func TestBillyAdapterNamespaceChangesUnsupported(t *testing.T) {
	a, dir := newTestAdapter(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	_, err := a.Create("/new")
	assert.ErrorIs(t, err, common.ErrNotSupported)
	_, err = a.OpenFile("/new", os.O_CREATE|os.O_RDWR, 0644)
	assert.ErrorIs(t, err, common.ErrNotSupported)
	assert.ErrorIs(t, a.Rename("/f", "/g"), common.ErrNotSupported)
	assert.ErrorIs(t, a.Remove("/f"), common.ErrNotSupported)
	assert.ErrorIs(t, a.MkdirAll("/d", 0755), common.ErrNotSupported)
	assert.ErrorIs(t, a.Symlink("f", "/l"), common.ErrNotSupported)
	assert.ErrorIs(t, a.Chmod("/f", 0600), common.ErrNotSupported)
	assert.NoError(t, a.Chtimes("/f", fixedTime, fixedTime))

	// O_CREATE on an existing file opens it
	f, err := a.OpenFile("/f", os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBillyAdapterWriteThrough(t *testing.T) {
	a, dir := newTestAdapter(t, true)
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))
	require.NoError(t, os.Chmod(path, 0640))

	fi, err := a.Stat("/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), fi.Mode().Perm(), "writable mount keeps write bits")

	f, err := a.OpenFile("/doc.txt", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = io.ReadAll(f)
	require.NoError(t, err)

	_, err = f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	n, err := f.Write([]byte("there"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(onDisk))

	buf := make([]byte, 11)
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(buf[:n]))

	require.NoError(t, f.Truncate(5))
	onDisk, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(onDisk))
	require.NoError(t, f.Close())
}

func TestBillyAdapterReadOnly(t *testing.T) {
	a, dir := newTestAdapter(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	_, err := a.OpenFile("/f", os.O_WRONLY, 0)
	assert.ErrorIs(t, err, vfs.EROFS)
	assert.ErrorIs(t, a.Chmod("/f", 0600), common.ErrReadOnly)

	caps := a.Capabilities()
	assert.NotZero(t, caps&billy.ReadCapability)
	assert.Zero(t, caps&billy.WriteCapability)
}

func TestNFSServerServeAndShutdown(t *testing.T) {
	d := newTestDispatcher(t, t.TempDir(), false)
	s := NewNFSServer(d, "127.0.0.1:0")
	assert.Equal(t, FrontendNFS, s.Type())
	require.NoError(t, s.Serve())

	addr := s.Addr().(*net.TCPAddr)
	require.NoError(t, waitForPort(addr.IP.String(), addr.Port, defaultTestTimeout))

	// Unmount without a mount only stops the server
	require.NoError(t, s.Unmount())
	select {
	case <-s.Done():
	default:
		t.Fatal("server not done after Unmount")
	}
	s.Shutdown()
}
