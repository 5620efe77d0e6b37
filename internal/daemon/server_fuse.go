package daemon

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/util"
	"cachefs/internal/vfs"
)

// FUSEServer serves a Dispatcher through the kernel FUSE channel.
type FUSEServer struct {
	d          *vfs.Dispatcher
	fsName     string
	allowOther bool

	server *fuse.Server
	done   chan struct{}
}

// NewFUSEServer creates a FUSE front end. fsName is shown as the mount
// source, usually the backing directory.
func NewFUSEServer(d *vfs.Dispatcher, fsName string, allowOther bool) *FUSEServer {
	return &FUSEServer{
		d:          d,
		fsName:     fsName,
		allowOther: allowOther,
		done:       make(chan struct{}),
	}
}

func (s *FUSEServer) Type() string { return FrontendFUSE }

// Mount mounts the filesystem at mountPoint.
func (s *FUSEServer) Mount(mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint %s: %w", mountPoint, err)
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	root := &fuseNode{d: s.d}
	server, err := gofuse.Mount(mountPoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     s.fsName,
			Name:       "cachefs",
			AllowOther: s.allowOther,
			Debug:      log.IsLevelEnabled(log.TraceLevel),
		},
	})
	if err != nil {
		return fmt.Errorf("mounting FUSE filesystem at %s: %w", mountPoint, err)
	}
	s.server = server

	go func() {
		server.Wait()
		close(s.done)
	}()
	log.Infof("[FUSE] mounted at %s", mountPoint)
	return nil
}

// Unmount detaches the filesystem, retrying while it is busy.
func (s *FUSEServer) Unmount() error {
	if s.server == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	ctx := context.Background()
	return util.Retry(ctx, s.server.Unmount, util.BusyRetryOptions(ctx, 5)...)
}

func (s *FUSEServer) Done() <-chan struct{} {
	return s.done
}

// fuseNode is every inode of the mount. Its path is recomputed from the
// inode tree on each call, so renames on the backing side are seen at the
// next lookup.
type fuseNode struct {
	gofuse.Inode
	d *vfs.Dispatcher
}

var (
	_ gofuse.InodeEmbedder  = (*fuseNode)(nil)
	_ gofuse.NodeLookuper   = (*fuseNode)(nil)
	_ gofuse.NodeGetattrer  = (*fuseNode)(nil)
	_ gofuse.NodeSetattrer  = (*fuseNode)(nil)
	_ gofuse.NodeOpener     = (*fuseNode)(nil)
	_ gofuse.NodeReaddirer  = (*fuseNode)(nil)
	_ gofuse.NodeReadlinker = (*fuseNode)(nil)
	_ gofuse.NodeStatfser   = (*fuseNode)(nil)
)

func (n *fuseNode) path() string {
	return n.Path(nil)
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := common.JoinPath(n.path(), name)
	attr, err := n.d.GetAttr(p)
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	fillAttr(&out.Attr, attr)

	stable := gofuse.StableAttr{Mode: vfs.UnixMode(attr.Mode) & syscall.S_IFMT, Ino: attr.Ino}
	if vfs.IsVirtual(p) {
		// let go-fuse pick an inode number that cannot clash with a backing file
		stable.Ino = 0
	}
	return n.NewInode(ctx, &fuseNode{d: n.d}, stable), 0
}

func (n *fuseNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.d.GetAttr(n.path())
	if err != nil {
		return vfs.ToErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr supports size changes only.
func (n *fuseNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	if _, ok := in.GetMode(); ok {
		return n.unsupported()
	}
	if _, ok := in.GetUID(); ok {
		return n.unsupported()
	}
	if _, ok := in.GetGID(); ok {
		return n.unsupported()
	}
	if size, ok := in.GetSize(); ok {
		if err := n.d.Truncate(p, int64(size)); err != nil {
			return vfs.ToErrno(err)
		}
	}
	// atime/mtime changes are ignored
	attr, err := n.d.GetAttr(p)
	if err != nil {
		return vfs.ToErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *fuseNode) unsupported() syscall.Errno {
	if !n.d.Writable() {
		return syscall.EROFS
	}
	return syscall.ENOTSUP
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	h, err := n.d.Open(p, int(flags))
	if err != nil {
		return nil, 0, vfs.ToErrno(err)
	}
	var fuseFlags uint32
	if vfs.IsVirtual(p) {
		// content is a snapshot taken at open; its length can differ from
		// the size getattr reports
		fuseFlags = fuse.FOPEN_DIRECT_IO
	}
	return &fuseFile{d: n.d, h: h}, fuseFlags, 0
}

func (n *fuseNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.d.ReadDir(n.path())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Mode: vfs.UnixMode(e.Mode) & syscall.S_IFMT,
			Ino:  e.Ino,
		})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.d.Readlink(n.path())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return []byte(target), 0
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.d.Statfs()
	if err != nil {
		return vfs.ToErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = st.Bsize
	out.Frsize = st.Bsize
	out.NameLen = st.NameLen
	return 0
}

// fuseFile is an open file of the mount.
type fuseFile struct {
	d *vfs.Dispatcher
	h vfs.HandleID
}

var (
	_ gofuse.FileReader   = (*fuseFile)(nil)
	_ gofuse.FileWriter   = (*fuseFile)(nil)
	_ gofuse.FileFlusher  = (*fuseFile)(nil)
	_ gofuse.FileReleaser = (*fuseFile)(nil)
)

func (f *fuseFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.d.Read(ctx, f.h, dest, off)
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fuseFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.d.Write(f.h, data, off)
	if err != nil {
		return uint32(n), vfs.ToErrno(err)
	}
	return uint32(n), 0
}

// Flush has nothing to do: writes reach the backing file before Write returns.
func (f *fuseFile) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fuseFile) Release(ctx context.Context) syscall.Errno {
	return vfs.ToErrno(f.d.Release(f.h))
}

// fillAttr copies backing attributes into a FUSE attribute reply.
func fillAttr(out *fuse.Attr, a vfs.Attr) {
	out.Ino = a.Ino
	out.Mode = vfs.UnixMode(a.Mode)
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}
