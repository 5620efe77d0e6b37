package vfs

import (
	"sync"

	"cachefs/internal/cache"
)

// HandleID is the type for VFS handles
type HandleID uint64

// HandleState tracks a handle through Opened → Active → Released.
type HandleState int32

const (
	StateOpened HandleState = iota
	StateActive
	StateReleased
)

func (s HandleState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// openHandle represents an open file
type openHandle struct {
	path    string
	flags   int
	nocache bool   // path matches the no-cache filter
	virtual string // name of the control or version file, empty for backing files
	content []byte // virtual file contents captured at open

	mu       sync.Mutex
	identity cache.Identity // backing path, mtime and size last observed
	state    HandleState
}

// Identity returns the backing identity currently recorded for the handle.
func (h *openHandle) Identity() cache.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// refresh records st as the handle's stamp and marks it active. Returns the
// stamp it replaced.
func (h *openHandle) refresh(st cache.Stamp) (prev cache.Stamp) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev = h.identity.Stamp
	h.identity.Stamp = st
	if h.state == StateOpened {
		h.state = StateActive
	}
	return prev
}

// State returns the lifecycle state of the handle.
func (h *openHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// HandleManager manages VFS handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

// Allocate creates a new handle for a backing file whose identity was taken
// at open time.
func (hm *HandleManager) Allocate(id cache.Identity, flags int, nocache bool) HandleID {
	return hm.add(&openHandle{
		path:     id.Path,
		flags:    flags,
		nocache:  nocache,
		identity: id,
	})
}

// AllocateVirtual creates a handle for one of the virtual files.
func (hm *HandleManager) AllocateVirtual(name string, flags int, content []byte) HandleID {
	return hm.add(&openHandle{path: name, flags: flags, virtual: name, content: content})
}

func (hm *HandleManager) add(oh *openHandle) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	handle := hm.nextHandle
	hm.nextHandle++
	hm.handles[handle] = oh
	return handle
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h HandleID) (*openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	return info, ok
}

// Release frees a handle. Reports whether it was open.
func (hm *HandleManager) Release(h HandleID) bool {
	hm.mu.Lock()
	info, ok := hm.handles[h]
	delete(hm.handles, h)
	hm.mu.Unlock()
	if ok {
		info.mu.Lock()
		info.state = StateReleased
		info.mu.Unlock()
	}
	return ok
}

// Len returns the number of open handles.
func (hm *HandleManager) Len() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// Clear removes all handles, returning the count of handles cleared
func (hm *HandleManager) Clear() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	count := len(hm.handles)
	for _, info := range hm.handles {
		info.mu.Lock()
		info.state = StateReleased
		info.mu.Unlock()
	}
	hm.handles = make(map[HandleID]*openHandle)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return count
}
