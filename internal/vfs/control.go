package vfs

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"cachefs/internal/backing"
	"cachefs/internal/cache"
)

const (
	// ControlFile is written with one command per write and read for stats.
	ControlFile = ".cachefs_control"
	// VersionFile holds the version string.
	VersionFile = ".cachefs_version"

	controlIno = 2
	versionIno = 3

	controlHelp = "commands: test, noop, invalidate <path>, evict, free_orphans, reconcile\n"
	statsMarker = "---\n"
)

// Status is the live state of a mount, appended to the control file help.
type Status struct {
	Version     string             `yaml:"version"`
	Writable    bool               `yaml:"rw"`
	OpenHandles int                `yaml:"open_handles"`
	InFlight    int64              `yaml:"inflight_fetches"`
	Cache       *cache.Stats       `yaml:"cache,omitempty"`
	Ops         map[string]OpStats `yaml:"ops,omitempty"`
}

// Status returns a snapshot of the dispatcher and cache counters.
func (d *Dispatcher) Status() Status {
	st := Status{
		Version:     d.version,
		Writable:    d.writable,
		OpenHandles: d.handles.Len(),
		Ops:         d.ops.snapshot(),
	}
	if d.store != nil {
		cs := d.store.Stats()
		st.Cache = &cs
		st.InFlight = d.fetcher.InFlight()
	}
	return st
}

// ParseStatus decodes the contents of a mounted control file.
func ParseStatus(data []byte) (*Status, error) {
	_, body, ok := bytes.Cut(data, []byte(statsMarker))
	if !ok {
		return nil, fmt.Errorf("control file has no stats section")
	}
	var st Status
	if err := yaml.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return &st, nil
}

// IsVirtual reports whether path names one of the virtual files.
func IsVirtual(path string) bool {
	return virtualName(path) != ""
}

func virtualName(path string) string {
	switch strings.TrimPrefix(path, "/") {
	case ControlFile:
		return ControlFile
	case VersionFile:
		return VersionFile
	}
	return ""
}

func (d *Dispatcher) virtualContent(name string) []byte {
	if name == VersionFile {
		return []byte("cachefs version: " + d.version + "\n")
	}
	var buf bytes.Buffer
	buf.WriteString(controlHelp)
	buf.WriteString(statsMarker)
	out, err := yaml.Marshal(d.Status())
	if err != nil {
		log.Warnf("[VFS] encode stats: %v", err)
		return buf.Bytes()
	}
	buf.Write(out)
	return buf.Bytes()
}

func (d *Dispatcher) virtualAttr(name string) Attr {
	now := time.Now()
	a := Attr{
		Kind:  backing.KindRegular,
		Nlink: 1,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Atime: now,
		Mtime: now,
		Ctime: now,
		Size:  int64(len(d.virtualContent(name))),
	}
	switch name {
	case ControlFile:
		a.Ino = controlIno
		a.Mode = 0600
	case VersionFile:
		a.Ino = versionIno
		a.Mode = 0444
	}
	return a
}

func (d *Dispatcher) virtualEntries() []DirEntry {
	return []DirEntry{
		{Name: ControlFile, Kind: backing.KindRegular, Mode: 0600, Ino: controlIno},
		{Name: VersionFile, Kind: backing.KindRegular, Mode: 0444, Ino: versionIno},
	}
}

func (d *Dispatcher) readVirtual(oh *openHandle, buf []byte, off int64) int {
	if off < 0 || off >= int64(len(oh.content)) {
		return 0
	}
	return copy(buf, oh.content[off:])
}

// control runs one control file command.
func (d *Dispatcher) control(data []byte) (int, error) {
	line := strings.TrimSuffix(string(data), "\n")
	cmd, arg, _ := strings.Cut(line, " ")
	log.Debugf("[VFS] control: command=%q arg=%q", cmd, arg)

	switch cmd {
	case "test":
		return 0, syscall.EXDEV
	case "noop":
	case "invalidate":
		n := d.InvalidatePath(arg)
		log.Infof("[VFS] control: invalidated %d blocks of %q", n, arg)
	case "evict":
		if d.store != nil {
			freed := d.store.Shrink()
			log.Infof("[VFS] control: evicted %d bytes", freed)
		}
	case "free_orphans", "reconcile":
		if d.store != nil {
			rep, err := d.store.Reconcile()
			if err != nil {
				log.Warnf("[VFS] control: reconcile failed: %v", err)
				return 0, EIO
			}
			log.Infof("[VFS] control: reconcile freed %d orphans, dropped %d vanished entries", rep.Orphans, rep.Vanished)
		}
	default:
		return 0, syscall.EBADMSG
	}
	return len(data), nil
}
