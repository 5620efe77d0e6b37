package vfs

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// OpKind enumerates the operations the dispatcher serves. Every front end
// call maps to exactly one kind.
type OpKind uint8

const (
	OpOpen OpKind = iota
	OpRead
	OpWrite
	OpRelease
	OpGetAttr
	OpReadDir
	OpReadlink
	OpTruncate
	OpStatfs
	opCount
)

var opNames = [opCount]string{
	OpOpen:     "Open",
	OpRead:     "Read",
	OpWrite:    "Write",
	OpRelease:  "Release",
	OpGetAttr:  "GetAttr",
	OpReadDir:  "ReadDir",
	OpReadlink: "Readlink",
	OpTruncate: "Truncate",
	OpStatfs:   "Statfs",
}

func (k OpKind) String() string {
	if k < opCount {
		return opNames[k]
	}
	return "Unknown"
}

// OpStats counts calls and failures of one operation kind.
type OpStats struct {
	Calls  uint64 `yaml:"calls"`
	Errors uint64 `yaml:"errors"`
}

type opCounters [opCount]struct {
	calls  atomic.Uint64
	errors atomic.Uint64
}

func (c *opCounters) snapshot() map[string]OpStats {
	out := make(map[string]OpStats, opCount)
	for k := OpKind(0); k < opCount; k++ {
		if n := c[k].calls.Load(); n > 0 {
			out[k.String()] = OpStats{Calls: n, Errors: c[k].errors.Load()}
		}
	}
	return out
}

// finish is deferred by every dispatcher operation. It turns a panic into EIO
// so one bad call cannot take the mount down, counts the call and logs its
// timing at trace level.
func (d *Dispatcher) finish(op OpKind, path string, start time.Time, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s %q: %v\nStack:\n%s", op, path, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
	d.ops[op].calls.Add(1)
	if err != nil && *err != nil {
		d.ops[op].errors.Add(1)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		var e error
		if err != nil {
			e = *err
		}
		log.Tracef("[VFS] %s %q → %v (%v)", op, path, e, time.Since(start))
	}
}
