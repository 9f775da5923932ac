package backendtest

import (
	"context"
	"sync"

	"github.com/jmgilman/runcache/backend"
)

// Call is one observed backend operation.
type Call struct {
	Op  string
	Key string
}

// Recorder wraps a Backend and records every call in order.
type Recorder struct {
	backend.Backend

	mu    sync.Mutex
	calls []Call
}

// NewRecorder wraps inner.
func NewRecorder(inner backend.Backend) *Recorder {
	return &Recorder{Backend: inner}
}

func (r *Recorder) record(op, key string) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: op, Key: key})
	r.mu.Unlock()
}

// Put records and forwards.
func (r *Recorder) Put(ctx context.Context, key string, payload []byte) error {
	r.record(backend.OpPut, key)
	return r.Backend.Put(ctx, key, payload)
}

// Get records and forwards.
func (r *Recorder) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r.record(backend.OpGet, key)
	return r.Backend.Get(ctx, key)
}

// Delete records and forwards.
func (r *Recorder) Delete(ctx context.Context, key string) error {
	r.record(backend.OpDelete, key)
	return r.Backend.Delete(ctx, key)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls of op were recorded. An empty op counts all.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

type fault struct {
	op  string
	key string
}

// Faulty wraps a Backend and fails selected operations.
type Faulty struct {
	backend.Backend

	mu     sync.Mutex
	faults map[fault]error
}

// NewFaulty wraps inner with no faults configured.
func NewFaulty(inner backend.Backend) *Faulty {
	return &Faulty{Backend: inner, faults: make(map[fault]error)}
}

// FailOn makes op on key return err. An empty key matches every key.
func (f *Faulty) FailOn(op, key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[fault{op: op, key: key}] = err
}

// Heal removes all configured faults.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[fault]error)
}

func (f *Faulty) check(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.faults[fault{op: op, key: key}]; ok {
		return err
	}
	return f.faults[fault{op: op}]
}

// Put fails if configured, otherwise forwards.
func (f *Faulty) Put(ctx context.Context, key string, payload []byte) error {
	if err := f.check(backend.OpPut, key); err != nil {
		return err
	}
	return f.Backend.Put(ctx, key, payload)
}

// Get fails if configured, otherwise forwards.
func (f *Faulty) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(backend.OpGet, key); err != nil {
		return nil, false, err
	}
	return f.Backend.Get(ctx, key)
}

// Delete fails if configured, otherwise forwards.
func (f *Faulty) Delete(ctx context.Context, key string) error {
	if err := f.check(backend.OpDelete, key); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, key)
}

// HookFunc runs before a forwarded call. A non-nil error aborts the call.
type HookFunc func(ctx context.Context, op, key string) error

// Hooked wraps a Backend and runs Before ahead of every call.
type Hooked struct {
	backend.Backend
	Before HookFunc
	After  HookFunc
}

func (h *Hooked) before(ctx context.Context, op, key string) error {
	if h.Before == nil {
		return nil
	}
	return h.Before(ctx, op, key)
}

func (h *Hooked) after(ctx context.Context, op, key string) error {
	if h.After == nil {
		return nil
	}
	return h.After(ctx, op, key)
}

// Put runs the hooks around the forwarded call.
func (h *Hooked) Put(ctx context.Context, key string, payload []byte) error {
	if err := h.before(ctx, backend.OpPut, key); err != nil {
		return err
	}
	if err := h.Backend.Put(ctx, key, payload); err != nil {
		return err
	}
	return h.after(ctx, backend.OpPut, key)
}

// Get runs the hooks around the forwarded call.
func (h *Hooked) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := h.before(ctx, backend.OpGet, key); err != nil {
		return nil, false, err
	}
	data, found, err := h.Backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if err := h.after(ctx, backend.OpGet, key); err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Delete runs the hooks around the forwarded call.
func (h *Hooked) Delete(ctx context.Context, key string) error {
	if err := h.before(ctx, backend.OpDelete, key); err != nil {
		return err
	}
	if err := h.Backend.Delete(ctx, key); err != nil {
		return err
	}
	return h.after(ctx, backend.OpDelete, key)
}

// Barrier blocks its first n callers until all n have arrived. Later callers
// pass straight through.
type Barrier struct {
	mu      sync.Mutex
	waiting int
	parties int
	release chan struct{}
}

// NewBarrier returns a barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{parties: n, release: make(chan struct{})}
}

// Wait blocks until n callers have arrived or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.waiting >= b.parties {
		b.mu.Unlock()
		return nil
	}
	b.waiting++
	if b.waiting == b.parties {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
