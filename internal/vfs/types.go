package vfs

import (
	"os"

	"cachefs/internal/backing"
)

// FileType is the type of a filesystem entry as the host sees it.
type FileType = backing.Kind

const (
	FileTypeRegularFile = backing.KindRegular
	FileTypeDirectory   = backing.KindDirectory
	FileTypeSymlink     = backing.KindSymlink
)

// Attr is returned by GetAttr. Mode carries the permission and type bits
// as os.FileMode; Unix converts them for the host.
type Attr = backing.Attr

// DirEntry is one entry returned by ReadDir.
type DirEntry = backing.DirEntry

// StatFS describes the mounted volume.
type StatFS = backing.StatFS

// UnixMode converts an os.FileMode to the st_mode bits of stat(2).
func UnixMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= 0040000
	case m&os.ModeSymlink != 0:
		mode |= 0120000
	case m&os.ModeNamedPipe != 0:
		mode |= 0010000
	case m&os.ModeSocket != 0:
		mode |= 0140000
	case m&os.ModeDevice != 0 && m&os.ModeCharDevice != 0:
		mode |= 0020000
	case m&os.ModeDevice != 0:
		mode |= 0060000
	default:
		mode |= 0100000
	}
	if m&os.ModeSetuid != 0 {
		mode |= 04000
	}
	if m&os.ModeSetgid != 0 {
		mode |= 02000
	}
	if m&os.ModeSticky != 0 {
		mode |= 01000
	}
	return mode
}
