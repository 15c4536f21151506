package activity

import "sync"

// DefaultCapacity is the number of entries kept locally.
const DefaultCapacity = 100

// Ring is a fixed-capacity log that keeps the most recent entries. Once full,
// each push silently overwrites the oldest entry.
type Ring struct {
	mu    sync.Mutex
	buf   []Entry
	head  int // index of the next write
	count int
}

// NewRing creates a Ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Push records e as the most recent entry.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Entries returns the entries most recent first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Replace loads entries, given most recent first, discarding any beyond
// capacity.
func (r *Ring) Replace(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = make([]Entry, len(r.buf))
	r.head, r.count = 0, 0
	if len(entries) > len(r.buf) {
		entries = entries[:len(r.buf)]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		r.buf[r.head] = entries[i]
		r.head = (r.head + 1) % len(r.buf)
		r.count++
	}
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Clear drops every entry.
func (r *Ring) Clear() {
	r.Replace(nil)
}
