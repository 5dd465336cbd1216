package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
)

// Continuation receives the response correlated with an emitted ref.
type Continuation func(head frame.Head, body frame.Body)

// Pending is the handle for one emitted request awaiting its response.
type Pending struct {
	ref      string
	event    string
	queuedAt time.Time
	deadline time.Time
	table    *PendingTable
	done     chan struct{}

	// guarded by table.mu
	callbacks []Continuation
	resp      *frame.Frame
	err       error
}

// Ref is the correlation ref carried by the request frame.
func (p *Pending) Ref() string {
	return p.ref
}

func (p *Pending) Event() string {
	return p.event
}

// OnResponse registers cb to run once with the correlated response and
// returns p for chaining. If the response already arrived, cb runs now.
func (p *Pending) OnResponse(cb Continuation) *Pending {
	if cb == nil {
		return p
	}
	if resp, ok := p.table.attach(p, cb); ok {
		cb(resp.Head, resp.Body)
	}
	return p
}

// Done is closed once the pending ref is resolved, expired or canceled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the response arrives, the entry expires or is
// canceled, or ctx ends.
func (p *Pending) Await(ctx context.Context) (frame.Frame, error) {
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case <-p.done:
	}
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	if p.err != nil {
		return frame.Frame{}, p.err
	}
	return *p.resp, nil
}

// Cancel drops the entry. Continuations will not run; Await returns
// ErrPendingCanceled. Canceling a resolved entry is a no-op.
func (p *Pending) Cancel() {
	if p.table.fail(p.ref, ErrPendingCanceled) && p.table.onCancel != nil {
		p.table.onCancel()
	}
}

// PendingInfo is a snapshot of one open ref.
type PendingInfo struct {
	Ref        string
	Event      string
	QueuedAt   time.Time
	DeadlineAt time.Time
	Callbacks  int
}

// PendingTable stores open refs for one engine. Emit and the receive loop
// run on different goroutines, so every access holds mu.
type PendingTable struct {
	mu    sync.Mutex
	items map[string]*Pending

	// onCancel runs after a caller cancels an open entry.
	onCancel func()
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[string]*Pending),
	}
}

// Open registers ref. A zero ttl means the entry never expires.
func (t *PendingTable) Open(ref, event string, now time.Time, ttl time.Duration) *Pending {
	p := &Pending{
		ref:      ref,
		event:    event,
		queuedAt: now,
		table:    t,
		done:     make(chan struct{}),
	}
	if ttl > 0 {
		p.deadline = now.Add(ttl)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[ref] = p
	return p
}

// Resolve settles ref with f. It returns the continuations to run and
// whether any were registered; the entry is removed either way. ok is false
// when ref is not open.
func (t *PendingTable) Resolve(f frame.Frame) (cbs []Continuation, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[f.Head.Ref]
	if !ok {
		return nil, false
	}
	delete(t.items, f.Head.Ref)
	resp := f
	p.resp = &resp
	cbs = p.callbacks
	p.callbacks = nil
	close(p.done)
	return cbs, true
}

func (t *PendingTable) attach(p *Pending, cb Continuation) (frame.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.resp != nil {
		return *p.resp, true
	}
	if p.err == nil {
		p.callbacks = append(p.callbacks, cb)
	}
	return frame.Frame{}, false
}

func (t *PendingTable) fail(ref string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[ref]
	if !ok {
		return false
	}
	delete(t.items, ref)
	p.err = err
	p.callbacks = nil
	close(p.done)
	return true
}

// Remove cancels ref if it is still open.
func (t *PendingTable) Remove(ref string) bool {
	return t.fail(ref, ErrPendingCanceled)
}

// Sweep expires every entry whose deadline is not after now and returns them.
func (t *PendingTable) Sweep(now time.Time) []*Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Pending
	for ref, p := range t.items {
		if p.deadline.IsZero() || now.Before(p.deadline) {
			continue
		}
		delete(t.items, ref)
		p.err = ErrPendingExpired
		p.callbacks = nil
		close(p.done)
		expired = append(expired, p)
	}
	return expired
}

func (t *PendingTable) Get(ref string) (PendingInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[ref]
	if !ok {
		return PendingInfo{}, false
	}
	return p.info(), true
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *PendingTable) List() []PendingInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingInfo, 0, len(t.items))
	for _, p := range t.items {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref < out[j].Ref
	})
	return out
}

func (p *Pending) info() PendingInfo {
	return PendingInfo{
		Ref:        p.ref,
		Event:      p.event,
		QueuedAt:   p.queuedAt,
		DeadlineAt: p.deadline,
		Callbacks:  len(p.callbacks),
	}
}
