//go:build darwin

package backing

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func attrOf(fi os.FileInfo) Attr {
	a := Attr{
		Kind:  KindOf(fi.Mode()),
		Mode:  fi.Mode(),
		Size:  fi.Size(),
		Mtime: fi.ModTime(),
		Atime: fi.ModTime(),
		Ctime: fi.ModTime(),
		Nlink: 1,
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Ino = st.Ino
		a.Nlink = uint32(st.Nlink)
		a.UID = st.Uid
		a.GID = st.Gid
		a.Blocks = st.Blocks
		a.Atime = time.Unix(st.Atimespec.Unix())
		a.Ctime = time.Unix(st.Ctimespec.Unix())
	}
	return a
}

func statfsOf(st *unix.Statfs_t) StatFS {
	return StatFS{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   st.Bsize,
		NameLen: 255,
	}
}
