package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/backend/backendtest"
	"github.com/jmgilman/runcache/backend/memory"
	"github.com/jmgilman/runcache/internal/logging"
)

func newTestMarkers(t *testing.T, b backend.Backend, opts ...Option) *Markers {
	t.Helper()
	opts = append([]Option{WithSettleDelay(0)}, opts...)
	m, err := NewMarkers(b, "run42", opts...)
	require.NoError(t, err)
	return m
}

func TestMarkers_EnlistAndLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestMarkers(t, memory.New())

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())
	assert.Empty(t, snap.Keys)

	require.NoError(t, m.Enlist(ctx, "run42-wheel"))
	require.NoError(t, m.Enlist(ctx, "run42-coverage"))

	snap, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-wheel", "run42-coverage"}, snap.Keys)
	assert.Equal(t, []string{"run42-_ledger", "run42-_ledger.0", "run42-_ledger.1"}, snap.Objects)
}

func TestMarkers_Header(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	m := newTestMarkers(t, b)
	m.opts.now = func() time.Time { return created }
	require.NoError(t, m.Enlist(ctx, "run42-wheel"))

	data, found, err := b.Get(ctx, "run42-_ledger")
	require.NoError(t, err)
	require.True(t, found)

	var h header
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, FormatVersion, h.Version)
	assert.Equal(t, StrategyMarkers, h.Strategy)
	assert.True(t, created.Equal(h.Created))

	data, _, err = b.Get(ctx, "run42-_ledger.0")
	require.NoError(t, err)
	var rec marker
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "run42-wheel", rec.Key)
	assert.NotEmpty(t, rec.Nonce)
}

func TestMarkers_EnlistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := backendtest.NewRecorder(memory.New())
	m := newTestMarkers(t, rec)

	require.NoError(t, m.Enlist(ctx, "run42-wheel"))
	puts := rec.Count(backend.OpPut)

	require.NoError(t, m.Enlist(ctx, "run42-wheel"))
	assert.Equal(t, puts, rec.Count(backend.OpPut), "second enlistment must not write")

	// A different process enlisting the same key finds the existing marker.
	other := newTestMarkers(t, rec)
	require.NoError(t, other.Enlist(ctx, "run42-wheel"))
	assert.Equal(t, puts, rec.Count(backend.OpPut))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-wheel"}, snap.Keys)
	assert.Len(t, snap.Objects, 2)
}

func TestMarkers_EmptyKey(t *testing.T) {
	m := newTestMarkers(t, memory.New())
	err := m.Enlist(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestMarkers_ConcurrentWithinProcess(t *testing.T) {
	ctx := context.Background()
	m := newTestMarkers(t, memory.New())

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Enlist(ctx, fmt.Sprintf("run42-job%d", i)))
		}(i)
	}
	wg.Wait()

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Keys, n)
}

func TestMarkers_IndependentProcesses(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	for i := 0; i < 5; i++ {
		// Every worker starts with a fresh ledger handle.
		w := newTestMarkers(t, b)
		require.NoError(t, w.Enlist(ctx, fmt.Sprintf("run42-job%d", i)))
	}

	snap, err := newTestMarkers(t, b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-job0", "run42-job1", "run42-job2", "run42-job3", "run42-job4"}, snap.Keys)
}

func TestMarkers_CorruptObjects(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	var logs bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: &logs})
	m := newTestMarkers(t, b, WithLogger(logger))

	require.NoError(t, b.Put(ctx, "run42-_ledger", []byte("not json")))
	require.NoError(t, b.Put(ctx, "run42-_ledger.0", []byte(`{"key":"run42-a","nonce":"x"}`)))
	require.NoError(t, b.Put(ctx, "run42-_ledger.1", []byte(`{garbage`)))
	require.NoError(t, b.Put(ctx, "run42-_ledger.2", []byte(`{"key":"run42-b","nonce":"y"}`)))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a", "run42-b"}, snap.Keys)
	assert.Equal(t, []string{"run42-_ledger", "run42-_ledger.0", "run42-_ledger.1", "run42-_ledger.2"}, snap.Objects)

	out := logs.String()
	assert.Contains(t, out, "ignoring corrupt ledger header")
	assert.Contains(t, out, "skipping corrupt ledger marker")
	assert.Contains(t, out, "slot=run42-_ledger.1")
}

func TestMarkers_ReadsCompoundDocument(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	c, err := NewCompound(b, "run42")
	require.NoError(t, err)
	require.NoError(t, c.Enlist(ctx, "run42-old"))

	m := newTestMarkers(t, b)
	require.NoError(t, m.Enlist(ctx, "run42-new"))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-old", "run42-new"}, snap.Keys)
}

func TestMarkers_ProbeWindow(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Put(ctx, "run42-_ledger.0", []byte(`{"key":"run42-a","nonce":"1"}`)))
	require.NoError(t, b.Put(ctx, "run42-_ledger.2", []byte(`{"key":"run42-c","nonce":"3"}`)))

	snap, err := newTestMarkers(t, b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a", "run42-c"}, snap.Keys, "a single gap is inside the default window")

	snap, err = newTestMarkers(t, b, WithProbeWindow(1)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a"}, snap.Keys)
}

func TestMarkers_Drop(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := backendtest.NewRecorder(mem)
	m := newTestMarkers(t, rec)

	require.NoError(t, m.Enlist(ctx, "run42-a"))
	require.NoError(t, m.Enlist(ctx, "run42-b"))
	require.NoError(t, m.Enlist(ctx, "run42-c"))

	snap, err := m.Load(ctx)
	require.NoError(t, err)

	rec.Reset()
	require.NoError(t, m.Drop(ctx, snap))
	assert.Equal(t, []backendtest.Call{
		{Op: backend.OpDelete, Key: "run42-_ledger.2"},
		{Op: backend.OpDelete, Key: "run42-_ledger.1"},
		{Op: backend.OpDelete, Key: "run42-_ledger.0"},
		{Op: backend.OpDelete, Key: "run42-_ledger"},
	}, rec.Calls())
	assert.Zero(t, mem.Len())

	// The same handle can start a new ledger after a drop.
	require.NoError(t, m.Enlist(ctx, "run42-a"))
	snap, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a"}, snap.Keys)
}

func TestMarkers_ReopenAfterForeignDrop(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rec := backendtest.NewRecorder(mem)

	stale := newTestMarkers(t, rec)
	require.NoError(t, stale.Enlist(ctx, "run42-a"))
	require.NoError(t, stale.Enlist(ctx, "run42-b"))

	cleaner := newTestMarkers(t, mem)
	snap, err := cleaner.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, cleaner.Drop(ctx, snap))
	require.Zero(t, mem.Len())

	// The old handle still believes run42-a is recorded and writes nothing.
	rec.Reset()
	require.NoError(t, stale.Enlist(ctx, "run42-a"))
	assert.Zero(t, rec.Count(""))

	reopened := newTestMarkers(t, mem)
	require.NoError(t, reopened.Enlist(ctx, "run42-a"))
	require.NoError(t, reopened.Enlist(ctx, "run42-c"))

	snap, err = newTestMarkers(t, mem).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a", "run42-c"}, snap.Keys)
	assert.Equal(t, []string{"run42-_ledger", "run42-_ledger.0", "run42-_ledger.1"}, snap.Objects)
}

func TestMarkers_DropStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	faulty := backendtest.NewFaulty(memory.New())
	m := newTestMarkers(t, faulty)

	for _, k := range []string{"run42-a", "run42-b", "run42-c"} {
		require.NoError(t, m.Enlist(ctx, k))
	}
	snap, err := m.Load(ctx)
	require.NoError(t, err)

	faulty.FailOn(backend.OpDelete, "run42-_ledger.1", backend.Unavailable(backend.OpDelete, "run42-_ledger.1", stderrors.New("timeout")))
	err = m.Drop(ctx, snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrUnavailable))

	faulty.Heal()
	remaining, err := newTestMarkers(t, faulty).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run42-a", "run42-b"}, remaining.Keys, "undeleted markers stay discoverable")
	assert.Contains(t, remaining.Objects, "run42-_ledger")
}

func TestMarkers_BackendFailure(t *testing.T) {
	ctx := context.Background()
	faulty := backendtest.NewFaulty(memory.New())
	m := newTestMarkers(t, faulty)

	faulty.FailOn(backend.OpPut, "", backend.Unavailable(backend.OpPut, "", stderrors.New("connection reset")))
	err := m.Enlist(ctx, "run42-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrUnavailable))
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))

	faulty.Heal()
	faulty.FailOn(backend.OpGet, "run42-_ledger.0", stderrors.New("boom"))
	_, err = m.Load(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
}

// Two workers that both observe slot 0 empty and both write it before either
// reads back: the loser of the read-back moves to slot 1.
func TestMarkers_ConcurrentClaimsResolveByReadBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shared := memory.New()
	bothMissed := backendtest.NewBarrier(2)
	bothWrote := backendtest.NewBarrier(2)

	worker := func() *Markers {
		h := &backendtest.Hooked{
			Backend: shared,
			After: func(ctx context.Context, op, k string) error {
				if k != "run42-_ledger.0" {
					return nil
				}
				switch op {
				case backend.OpGet:
					return bothMissed.Wait(ctx)
				case backend.OpPut:
					return bothWrote.Wait(ctx)
				}
				return nil
			},
		}
		return newTestMarkers(t, h)
	}
	a, b := worker(), worker()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, a.Enlist(ctx, "run42-a")) }()
	go func() { defer wg.Done(); assert.NoError(t, b.Enlist(ctx, "run42-b")) }()
	wg.Wait()

	snap, err := newTestMarkers(t, shared).Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run42-a", "run42-b"}, snap.Keys)
	assert.Contains(t, snap.Objects, "run42-_ledger.1")
}

// settleScenario reproduces the residual window: worker A verifies slot 0,
// then worker B, which saw slot 0 empty before A wrote it, overwrites it.
func settleScenario(t *testing.T, settle time.Duration) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const slot0 = "run42-_ledger.0"
	shared := memory.New()
	bothMissed := backendtest.NewBarrier(2)
	aVerified := make(chan struct{})
	bWrote := make(chan struct{})

	var aBefore, aAfter atomic.Int32
	a := newTestMarkers(t, &backendtest.Hooked{
		Backend: shared,
		Before: func(ctx context.Context, op, k string) error {
			if op == backend.OpGet && k == slot0 && aBefore.Add(1) == 3 {
				select {
				case <-bWrote:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
		After: func(ctx context.Context, op, k string) error {
			if op != backend.OpGet || k != slot0 {
				return nil
			}
			switch aAfter.Add(1) {
			case 1:
				return bothMissed.Wait(ctx)
			case 2:
				close(aVerified)
			}
			return nil
		},
	}, WithSettleDelay(settle))

	var bGets atomic.Int32
	b := newTestMarkers(t, &backendtest.Hooked{
		Backend: shared,
		Before: func(ctx context.Context, op, k string) error {
			if op == backend.OpPut && k == slot0 {
				select {
				case <-aVerified:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
		After: func(ctx context.Context, op, k string) error {
			if k != slot0 {
				return nil
			}
			switch op {
			case backend.OpGet:
				if bGets.Add(1) == 1 {
					return bothMissed.Wait(ctx)
				}
			case backend.OpPut:
				close(bWrote)
			}
			return nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, a.Enlist(ctx, "run42-a")) }()
	go func() { defer wg.Done(); assert.NoError(t, b.Enlist(ctx, "run42-b")) }()
	wg.Wait()

	snap, err := newTestMarkers(t, shared).Load(ctx)
	require.NoError(t, err)
	return snap
}

func TestMarkers_SettleRecheckReclaims(t *testing.T) {
	snap := settleScenario(t, time.Millisecond)
	assert.Equal(t, []string{"run42-b", "run42-a"}, snap.Keys)
}

func TestMarkers_WithoutSettleRecheckMarkerIsLost(t *testing.T) {
	snap := settleScenario(t, 0)
	assert.Equal(t, []string{"run42-b"}, snap.Keys)
}

func TestMarkers_SettleHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestMarkers(t, memory.New(), WithSettleDelay(time.Hour))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := m.Enlist(ctx, "run42-a")
	assert.ErrorIs(t, err, context.Canceled)
}
