package ledger

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/internal/logging"
)

// maxSlots bounds a slot scan against a store that never reports a miss.
const maxSlots = 1 << 16

type header struct {
	Version  int       `json:"version"`
	Strategy Strategy  `json:"strategy,omitempty"`
	Created  time.Time `json:"created,omitempty"`

	// Keys is only set by compound ledgers. Markers.Load honors it so a
	// run that switched strategy still cleans everything.
	Keys []string `json:"keys,omitempty"`
}

type marker struct {
	Key   string `json:"key"`
	Nonce string `json:"nonce"`
}

// Markers is a ledger that writes one marker object per enlisted key.
// It is safe for concurrent use; enlistments from one process are
// serialized, enlistments from different processes coordinate through slot
// claims.
//
// A Markers remembers the header, the next free slot and the keys it has
// enlisted. Only its own Drop resets that state, so it must not be reused
// after another process has dropped the run's ledger: open a new one with
// NewMarkers instead.
type Markers struct {
	backend backend.Backend
	owner   string
	opts    options

	mu       sync.Mutex
	header   bool
	next     int
	enlisted map[string]bool
}

// NewMarkers returns a marker ledger for run.
func NewMarkers(b backend.Backend, run string, opts ...Option) (*Markers, error) {
	owner, err := ownerKey(b, run)
	if err != nil {
		return nil, err
	}
	return &Markers{
		backend:  b,
		owner:    owner,
		opts:     newOptions(opts),
		enlisted: make(map[string]bool),
	}, nil
}

// Owner returns the key of the ledger header.
func (m *Markers) Owner() string {
	return m.owner
}

// SlotKey returns the backend key of slot n.
func (m *Markers) SlotKey(n int) string {
	return m.owner + "." + strconv.Itoa(n)
}

// Enlist claims a free slot for key unless a slot already records it.
func (m *Markers) Enlist(ctx context.Context, k string) error {
	if k == "" {
		return errors.New(errors.CodeInvalidInput, "cannot enlist an empty key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enlisted[k] {
		return nil
	}
	logger := m.opts.logger.WithOperation(logging.OpEnlist).WithKey(k)

	if err := m.ensureHeader(ctx); err != nil {
		return err
	}

	for n := m.next; n < maxSlots; n++ {
		slot := m.SlotKey(n)

		data, found, err := m.backend.Get(ctx, slot)
		if err != nil {
			return wrap(err, "failed to read ledger slot", slot)
		}
		if found {
			if rec, err := decodeMarker(data); err == nil && rec.Key == k {
				m.claimed(k, n)
				return nil
			}
			continue
		}

		won, err := m.claim(ctx, slot, k)
		if err != nil {
			return err
		}
		if !won {
			logger.Debug(ctx, "lost ledger slot to another writer", "slot", slot)
			continue
		}

		m.claimed(k, n)
		logger.Debug(ctx, "enlisted key", "slot", slot)
		return nil
	}

	return errors.WithContext(errors.New(errors.CodeInternal, "ledger has no free slot"), "owner", m.owner)
}

func (m *Markers) claimed(k string, n int) {
	m.enlisted[k] = true
	if n+1 > m.next {
		m.next = n + 1
	}
}

// claim writes a marker to an empty slot and reports whether it survived the
// read-back and, if enabled, the settle re-check.
func (m *Markers) claim(ctx context.Context, slot, k string) (bool, error) {
	rec := marker{Key: k, Nonce: uuid.NewString()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInternal, "failed to encode ledger marker")
	}

	if err := m.backend.Put(ctx, slot, payload); err != nil {
		return false, wrap(err, "failed to write ledger slot", slot)
	}

	won, err := m.holds(ctx, slot, rec.Nonce)
	if err != nil || !won {
		return false, err
	}

	if m.opts.settle == 0 {
		return true, nil
	}

	timer := time.NewTimer(m.opts.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	return m.holds(ctx, slot, rec.Nonce)
}

func (m *Markers) holds(ctx context.Context, slot, nonce string) (bool, error) {
	data, found, err := m.backend.Get(ctx, slot)
	if err != nil {
		return false, wrap(err, "failed to verify ledger slot", slot)
	}
	if !found {
		return false, nil
	}
	rec, err := decodeMarker(data)
	if err != nil {
		return false, nil
	}
	return rec.Nonce == nonce, nil
}

// ensureHeader writes the header at the owner key once per process.
func (m *Markers) ensureHeader(ctx context.Context) error {
	if m.header {
		return nil
	}

	_, found, err := m.backend.Get(ctx, m.owner)
	if err != nil {
		return wrap(err, "failed to read ledger header", m.owner)
	}
	if !found {
		payload, err := json.Marshal(header{
			Version:  FormatVersion,
			Strategy: StrategyMarkers,
			Created:  m.opts.now().UTC(),
		})
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to encode ledger header")
		}
		if err := m.backend.Put(ctx, m.owner, payload); err != nil {
			return wrap(err, "failed to write ledger header", m.owner)
		}
	}

	m.header = true
	return nil
}

// Load reads the header and probes slots until the probe window of
// consecutive misses. Unreadable slots are skipped with a warning.
func (m *Markers) Load(ctx context.Context) (Snapshot, error) {
	logger := m.opts.logger.WithOperation(logging.OpLoad)
	var snap Snapshot
	seen := make(map[string]bool)
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			snap.Keys = append(snap.Keys, k)
		}
	}

	data, found, err := m.backend.Get(ctx, m.owner)
	if err != nil {
		return Snapshot{}, wrap(err, "failed to read ledger header", m.owner)
	}
	if found {
		snap.Objects = append(snap.Objects, m.owner)
		var h header
		if err := json.Unmarshal(data, &h); err != nil || h.Version == 0 {
			if err == nil {
				err = errors.New(errors.CodeSchemaFailed, "missing version")
			}
			logger.Warn(ctx, "ignoring corrupt ledger header", "error", corrupt(m.owner, err).Error())
		} else {
			for _, k := range h.Keys {
				add(k)
			}
		}
	}

	misses := 0
	for n := 0; misses < m.opts.window && n < maxSlots; n++ {
		slot := m.SlotKey(n)
		data, found, err := m.backend.Get(ctx, slot)
		if err != nil {
			return Snapshot{}, wrap(err, "failed to read ledger slot", slot)
		}
		if !found {
			misses++
			continue
		}
		misses = 0
		snap.Objects = append(snap.Objects, slot)

		rec, err := decodeMarker(data)
		if err != nil {
			logger.Warn(ctx, "skipping corrupt ledger marker", "slot", slot, "error", corrupt(slot, err).Error())
			continue
		}
		add(rec.Key)
	}

	return snap, nil
}

// Drop deletes marker slots from the highest down and the header last. It
// stops at the first failed delete so that what remains stays discoverable.
func (m *Markers) Drop(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]string, 0, len(snap.Objects))
	hasHeader := false
	for _, obj := range snap.Objects {
		if obj == m.owner {
			hasHeader = true
			continue
		}
		slots = append(slots, obj)
	}
	slices.Reverse(slots)

	for _, slot := range slots {
		if err := m.backend.Delete(ctx, slot); err != nil {
			return wrap(err, "failed to delete ledger slot", slot)
		}
	}
	if hasHeader {
		if err := m.backend.Delete(ctx, m.owner); err != nil {
			return wrap(err, "failed to delete ledger header", m.owner)
		}
	}

	m.header = false
	m.next = 0
	m.enlisted = make(map[string]bool)
	return nil
}

func decodeMarker(data []byte) (marker, error) {
	var rec marker
	if err := json.Unmarshal(data, &rec); err != nil {
		return marker{}, err
	}
	if rec.Key == "" {
		return marker{}, errors.New(errors.CodeSchemaFailed, "marker has no key")
	}
	return rec, nil
}
