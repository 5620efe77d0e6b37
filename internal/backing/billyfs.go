package backing

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sys/unix"
)

// FS adapts a billy.Filesystem rooted at the backing directory.
type FS struct {
	fs billy.Filesystem
}

// Open returns an adapter for the directory root. Paths are confined to root;
// symlinks pointing outside it are not followed.
func Open(root string) (*FS, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &os.PathError{Op: "open", Path: root, Err: syscall.ENOTDIR}
	}
	return New(osfs.New(root, osfs.WithBoundOS())), nil
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

// Root returns the backing root directory.
func (b *FS) Root() string {
	return b.fs.Root()
}

func (b *FS) lstat(path string) (os.FileInfo, error) {
	if path == "" {
		return b.fs.Stat("/")
	}
	return b.fs.Lstat(path)
}

func (b *FS) Stat(path string) (Attr, error) {
	fi, err := b.lstat(path)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(fi), nil
}

func (b *FS) ReadAt(path string, p []byte, off int64) (int, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return readFull(f, p, off)
}

func (b *FS) WriteAt(path string, p []byte, off int64) (int, error) {
	f, err := b.fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	var n int
	if wa, ok := f.(io.WriterAt); ok {
		n, err = wa.WriteAt(p, off)
	} else if _, err = f.Seek(off, io.SeekStart); err == nil {
		n, err = f.Write(p)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (b *FS) ListDir(path string) ([]DirEntry, error) {
	if path == "" {
		path = "/"
	}
	infos, err := b.fs.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(infos))
	for _, fi := range infos {
		a := attrOf(fi)
		entries = append(entries, DirEntry{
			Name: fi.Name(),
			Kind: a.Kind,
			Mode: fi.Mode(),
			Ino:  a.Ino,
		})
	}
	return entries, nil
}

func (b *FS) Readlink(path string) (string, error) {
	return b.fs.Readlink(path)
}

func (b *FS) Truncate(path string, size int64) error {
	f, err := b.fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	err = f.Truncate(size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *FS) Statfs() (StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.fs.Root(), &st); err != nil {
		return StatFS{}, &os.PathError{Op: "statfs", Path: b.fs.Root(), Err: err}
	}
	return statfsOf(&st), nil
}

// FreeBytes reports the bytes available to unprivileged users on the volume
// holding dir.
func FreeBytes(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, &os.PathError{Op: "statfs", Path: dir, Err: err}
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
