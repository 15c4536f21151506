package profile

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// pending deduplicates concurrent profile fetches: at most one fetch per
// user id is in flight and every concurrent caller receives its result.
type pending struct {
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]uint64 // key -> call sequence number
	seq      uint64
}

func newPending() *pending {
	return &pending{inflight: make(map[string]uint64)}
}

// Do runs fn for key unless a call for key is already in flight, in which case
// it waits for that call. joined reports whether the result came from a call
// started by another caller.
func (p *pending) Do(ctx context.Context, key string, fn func() (*Profile, error)) (prof *Profile, joined bool, err error) {
	started := make(chan struct{}, 1)
	ch := p.group.DoChan(key, func() (any, error) {
		started <- struct{}{}

		p.mu.Lock()
		p.seq++
		id := p.seq
		p.inflight[key] = id
		p.mu.Unlock()

		// Removal runs even if fn panics; a newer call registered after
		// Clear keeps its own entry.
		defer func() {
			p.mu.Lock()
			if p.inflight[key] == id {
				delete(p.inflight, key)
			}
			p.mu.Unlock()
		}()
		return fn()
	})

	select {
	case res := <-ch:
		select {
		case <-started:
		default:
			joined = true
		}
		if v, ok := res.Val.(*Profile); ok {
			prof = v.Clone()
		}
		return prof, joined, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight reports whether a fetch for key is currently running.
func (p *pending) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Len returns the number of in-flight fetches.
func (p *pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Forget drops key so the next caller starts a fresh fetch. Callers already
// waiting still receive the running call's result.
func (p *pending) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.group.Forget(key)
	delete(p.inflight, key)
}

// Clear forgets every in-flight fetch. Callers already waiting still receive
// their result; new callers start a fresh fetch.
func (p *pending) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.inflight {
		p.group.Forget(k)
	}
	p.inflight = make(map[string]uint64)
}
