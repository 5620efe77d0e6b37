// Package backing is the adapter between the overlay and the filesystem it
// proxies. Paths are slash separated and relative to the backing root; the
// empty path names the root itself. Errors are returned as the underlying
// filesystem reported them so callers can forward them unchanged.
package backing

import (
	"io"
	"os"
	"time"
)

// Kind is the type of a backing filesystem entry.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "file"
	case KindDirectory:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// KindOf returns the Kind of a file mode.
func KindOf(m os.FileMode) Kind {
	switch {
	case m.IsRegular():
		return KindRegular
	case m.IsDir():
		return KindDirectory
	case m&os.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindOther
	}
}

// Attr is what stat reports about a backing entry.
type Attr struct {
	Kind   Kind
	Mode   os.FileMode
	Size   int64
	Blocks int64
	Ino    uint64
	Nlink  uint32
	UID    uint32
	GID    uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Kind Kind
	Mode os.FileMode
	Ino  uint64
}

// StatFS describes the backing volume.
type StatFS struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
}

// Adapter is the set of operations the overlay issues against the backing
// filesystem.
type Adapter interface {
	Stat(path string) (Attr, error)
	// ReadAt reads up to len(p) bytes at off. A short count at end of file is
	// not an error.
	ReadAt(path string, p []byte, off int64) (int, error)
	WriteAt(path string, p []byte, off int64) (int, error)
	ListDir(path string) ([]DirEntry, error)
	Readlink(path string) (string, error)
	Truncate(path string, size int64) error
	Statfs() (StatFS, error)
}

// readFull reads until p is full or the reader reports end of file.
func readFull(r io.ReaderAt, p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		m, err := r.ReadAt(p[n:], off+int64(n))
		n += m
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}
