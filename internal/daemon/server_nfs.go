package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"cachefs/internal/common"
	"cachefs/internal/util"
	"cachefs/internal/vfs"
)

const mountWatchInterval = 2 * time.Second

// NFSServer serves a Dispatcher as an NFSv3 export on a loopback address and
// mounts it with the system NFS client.
type NFSServer struct {
	addr     string
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc

	mountPoint string
	done       chan struct{}
	closeOnce  sync.Once
}

// NewNFSServer creates an NFS front end listening on addr.
func NewNFSServer(d *vfs.Dispatcher, addr string) *NFSServer {
	// Set go-nfs log level to match daemon's log level
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(ctx, d))
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	return &NFSServer{
		addr:   addr,
		server: &nfs.Server{Handler: cacheHelper, Context: ctx},
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *NFSServer) Type() string { return FrontendNFS }

// Serve accepts NFS connections on addr until Shutdown.
func (s *NFSServer) Serve() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil {
			log.Debugf("[NFS] server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once Serve has run.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Mount starts the server and mounts it at mountPoint.
func (s *NFSServer) Mount(mountPoint string) error {
	if err := s.Serve(); err != nil {
		return err
	}
	tcp := s.listener.Addr().(*net.TCPAddr)
	ip, port := tcp.IP.String(), tcp.Port
	if err := waitForPort(ip, port, 3*time.Second); err != nil {
		s.Shutdown()
		return err
	}
	if err := NFSMount(ip, port, mountPoint); err != nil {
		s.Shutdown()
		return err
	}
	s.mountPoint = mountPoint
	log.Infof("[NFS] serving %s:%d, mounted at %s", ip, port, mountPoint)
	go s.watchMount()
	return nil
}

// watchMount shuts the server down once the mount disappears from the mount
// table, so an unmount by another process ends the daemon as it does for FUSE.
func (s *NFSServer) watchMount() {
	ticker := time.NewTicker(mountWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !IsMounted(s.mountPoint) {
				log.Infof("[NFS] %s no longer mounted", s.mountPoint)
				s.Shutdown()
				return
			}
		}
	}
}

// Unmount unmounts while the server is still alive, then stops it.
func (s *NFSServer) Unmount() error {
	var err error
	if s.mountPoint != "" {
		err = Unmount(s.mountPoint)
	}
	s.Shutdown()
	return err
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		// Settle time for in-flight NFS operations to complete after listener close.
		time.Sleep(100 * time.Millisecond)
		s.cancel()
		close(s.done)
	})
}

func (s *NFSServer) Done() <-chan struct{} {
	return s.done
}

// waitForPort waits until a port is accepting connections on the given IP
func waitForPort(ip string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	if util.WaitWithDeadline(time.Now().Add(timeout), 50*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		return false
	}) {
		return nil
	}
	return fmt.Errorf("timeout waiting for port %d", port)
}

// NFSMount mounts the NFS export at ip:port on mountPath.
func NFSMount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	// soft,timeo/retrans keep a dead server from hanging clients forever;
	// noac makes backing changes visible without waiting on attribute caches
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("mount_nfs",
			"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
			ip+":/", mountPath)
	default:
		cmd = exec.Command("mount", "-t", "nfs",
			"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,mountproto=tcp,nolock,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3", port, port),
			ip+":/", mountPath)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", cmd.Args[0], err, string(output))
	}
	return nil
}

// BillyAdapter presents a Dispatcher as a billy.Filesystem for go-nfs.
// Namespace changes (create, rename, remove, mkdir, symlink) are not part of
// the overlay and fail with common.ErrNotSupported.
type BillyAdapter struct {
	ctx context.Context
	d   *vfs.Dispatcher
}

// NewBillyAdapter creates a Billy adapter for d. Reads started through it
// stop waiting when ctx is cancelled.
func NewBillyAdapter(ctx context.Context, d *vfs.Dispatcher) *BillyAdapter {
	return &BillyAdapter{ctx: ctx, d: d}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return nil, common.ErrNotSupported
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&os.O_CREATE != 0 {
		if _, err := b.d.GetAttr(filename); err != nil {
			return nil, common.ErrNotSupported
		}
	}
	h, err := b.d.Open(filename, flag&^(os.O_CREATE|os.O_EXCL))
	if err != nil {
		return nil, err
	}
	return &BillyFile{adapter: b, handle: h, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	return b.Lstat(filename)
}

// Lstat and Stat are identical: backing attributes never follow symlinks.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	attr, err := b.d.GetAttr(filename)
	if err != nil {
		return nil, err
	}
	return &BillyFileInfo{name: common.BaseName(filename), attr: attr}, nil
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return common.ErrNotSupported
}

func (b *BillyAdapter) Remove(filename string) error {
	return common.ErrNotSupported
}

func (b *BillyAdapter) Join(elem ...string) string {
	return common.JoinPath(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, common.ErrNotSupported
}

// ReadDir lists dirname with full attributes per entry; NFS READDIRPLUS
// replies carry them. Entries that vanish between listing and stat are skipped.
func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := b.d.ReadDir(dirname)
	if err != nil {
		return nil, err
	}
	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		attr, err := b.d.GetAttr(common.JoinPath(dirname, e.Name))
		if err != nil {
			continue
		}
		result = append(result, &BillyFileInfo{name: e.Name, attr: attr})
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	return common.ErrNotSupported
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return common.ErrNotSupported
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.d.Readlink(link)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, common.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error        { return b.unsupported() }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return b.unsupported() }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return b.unsupported() }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) unsupported() error {
	if !b.d.Writable() {
		return common.ErrReadOnly
	}
	return common.ErrNotSupported
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	caps := billy.ReadCapability | billy.SeekCapability
	if b.d.Writable() {
		caps |= billy.WriteCapability | billy.ReadAndWriteCapability | billy.TruncateCapability
	}
	return caps
}

// BillyFile is an open dispatcher handle with a seek offset.
type BillyFile struct {
	adapter *BillyAdapter
	handle  vfs.HandleID
	name    string
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.d.Write(f.handle, p, f.offset)
	f.offset += int64(n)
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.adapter.d.Read(f.adapter.ctx, f.handle, p, f.offset)
	f.offset += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return
}

// ReadAt follows io.ReaderAt: a short read reports io.EOF.
func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.adapter.d.Read(f.adapter.ctx, f.handle, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.adapter.d.GetAttr(f.name)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.d.Release(f.handle)
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.d.Truncate(f.name, size)
}

// BillyFileInfo is an os.FileInfo over dispatcher attributes.
type BillyFileInfo struct {
	name string
	attr vfs.Attr
}

func (fi *BillyFileInfo) Name() string       { return fi.name }
func (fi *BillyFileInfo) Size() int64        { return fi.attr.Size }
func (fi *BillyFileInfo) Mode() os.FileMode  { return fi.attr.Mode }
func (fi *BillyFileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi *BillyFileInfo) IsDir() bool        { return fi.attr.Kind == vfs.FileTypeDirectory }

// Sys returns the go-nfs file.FileInfo; go-nfs reads ownership and the file id
// only from that type.
func (fi *BillyFileInfo) Sys() interface{} {
	nlink := fi.attr.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return &nfsfile.FileInfo{
		Nlink:  nlink,
		UID:    fi.attr.UID,
		GID:    fi.attr.GID,
		Fileid: fi.attr.Ino,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*BillyFileInfo)(nil)
	_ Frontend         = (*NFSServer)(nil)
	_ Frontend         = (*FUSEServer)(nil)
)
