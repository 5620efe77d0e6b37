package cache

import "sync"

// Ledger tracks the bytes held by the cache against a maximum and a lower
// target watermark. Every mutation holds mu for a single integer update only.
type Ledger struct {
	mu     sync.Mutex
	used   int64
	max    int64
	target int64
}

// NewLedger creates a ledger. max <= 0 disables the limit. target is clamped
// to [0, max].
func NewLedger(max, target int64) *Ledger {
	if max > 0 && (target <= 0 || target > max) {
		target = max
	}
	return &Ledger{max: max, target: target}
}

// Reserve commits n bytes if they fit under the maximum and reports whether
// they did. Nothing is committed when it returns false.
func (l *Ledger) Reserve(n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.used+n > l.max {
		return false
	}
	l.used += n
	return true
}

// Commit adjusts the running total by delta, which may be negative.
func (l *Ledger) Commit(delta int64) {
	l.mu.Lock()
	l.used += delta
	l.mu.Unlock()
}

// Usage returns the bytes currently accounted.
func (l *Ledger) Usage() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Max returns the configured maximum (0 = unlimited).
func (l *Ledger) Max() int64 {
	return l.max
}

// Target returns the eviction watermark.
func (l *Ledger) Target() int64 {
	return l.target
}

// OverLimit reports whether usage exceeds the maximum.
func (l *Ledger) OverLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max > 0 && l.used > l.max
}

// reset replaces the total after a reconciliation scan.
func (l *Ledger) reset(used int64) {
	l.mu.Lock()
	l.used = used
	l.mu.Unlock()
}
