package lifecycle

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/runcache/archive"
	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/internal/logging"
	"github.com/jmgilman/runcache/key"
	"github.com/jmgilman/runcache/ledger"
)

// DefaultCleanConcurrency is the number of concurrent deletes in Clean.
const DefaultCleanConcurrency = 8

// ErrCacheMiss is returned by Restore on a miss when WithFailOnMiss is set.
var ErrCacheMiss = errors.New(errors.CodeNotFound, "cache miss")

// Config configures a Manager.
type Config struct {
	// Backend stores payloads and the ledger. Required.
	Backend backend.Backend

	// Ledger records enlisted keys. Defaults to a marker ledger for Run.
	Ledger ledger.Ledger

	// Run is the pipeline run identity. Required for run-scoped keys,
	// enlistment and Clean.
	Run string

	// Ambient key dimensions applied to every call.
	Platform string
	Runtime  string
	Groups   []string

	// FS is the filesystem SavePaths and RestorePaths work on. Defaults to
	// the local filesystem.
	FS core.FS

	// Limits bounds RestorePaths extraction. Defaults to archive.DefaultLimits.
	Limits *archive.Limits

	// CleanConcurrency bounds concurrent deletes in Clean.
	CleanConcurrency int

	Logger *logging.Logger
}

// Stats are counters accumulated by a Manager.
type Stats struct {
	Saves    int64
	Hits     int64
	Misses   int64
	Enlisted int64
	Deleted  int64
	Failures int64
}

type counters struct {
	saves, hits, misses, enlisted, deleted, failures atomic.Int64
}

// Manager runs Save, Restore and Clean for one pipeline run. It is safe for
// concurrent use.
type Manager struct {
	backend backend.Backend
	ledger  ledger.Ledger
	owner   string
	dims    key.Dimensions
	fs      core.FS
	limits  archive.Limits
	workers int
	logger  *logging.Logger
	stats   counters
}

// New returns a Manager for cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "cache backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	l := cfg.Ledger
	if l == nil && cfg.Run != "" {
		var err error
		l, err = ledger.NewMarkers(cfg.Backend, cfg.Run, ledger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = billy.NewLocal()
	}

	limits := archive.DefaultLimits
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}

	workers := cfg.CleanConcurrency
	if workers <= 0 {
		workers = DefaultCleanConcurrency
	}

	// Only used to label a failed ledger drop.
	owner, _ := key.OwnerKey(cfg.Run)

	return &Manager{
		backend: cfg.Backend,
		ledger:  l,
		owner:   owner,
		dims: key.Dimensions{
			Run:      cfg.Run,
			Platform: cfg.Platform,
			Runtime:  cfg.Runtime,
			Groups:   cfg.Groups,
		},
		fs:      fsys,
		limits:  limits,
		workers: workers,
		logger:  logger,
	}, nil
}

// Key derives the key for name without touching the backend.
func (m *Manager) Key(name string, opts ...Option) (string, error) {
	return m.derive(name, applyOptions(opts))
}

func (m *Manager) derive(name string, o options) (string, error) {
	d := m.dims
	d.Name = name
	d.Scope = o.scope
	d.Manifest = o.manifest
	if o.groupsSet {
		d.Groups = o.groups
	}
	return key.Derive(d)
}

// Save stores payload under the key derived from name and returns the key.
//
// With WithRefresh any existing entry is deleted first. An unavailable
// backend fails the save; any other delete failure is logged and the put
// proceeds. With WithEnlist the key is added to the run's ledger after the
// put succeeds.
func (m *Manager) Save(ctx context.Context, name string, payload []byte, opts ...Option) (string, error) {
	o := applyOptions(opts)
	k, err := m.derive(name, o)
	if err != nil {
		return "", err
	}
	if o.enlist && m.ledger == nil {
		return "", errNoLedger()
	}

	logger := m.logger.WithKey(k)
	start := time.Now()

	if o.refresh {
		if err := m.backend.Delete(ctx, k); err != nil {
			if errors.GetCode(err) == errors.CodeUnavailable {
				logging.LogOperation(ctx, logger, logging.OpSave, time.Since(start), 0, err)
				return "", errors.WrapWithContext(err, errors.CodeUnavailable, "failed to refresh cache entry", map[string]interface{}{
					"key": k,
				})
			}
			logger.Warn(ctx, "refresh delete failed, overwriting", "error", err.Error())
		}
	}

	err = m.backend.Put(ctx, k, payload)
	logging.LogOperation(ctx, logger, logging.OpSave, time.Since(start), len(payload), err)
	if err != nil {
		return "", errors.WrapWithContext(err, codeOf(err), "failed to save cache entry", map[string]interface{}{
			"key": k,
		})
	}
	m.stats.saves.Add(1)

	if o.enlist {
		if err := m.ledger.Enlist(ctx, k); err != nil {
			logger.WithOperation(logging.OpEnlist).Error(ctx, "entry saved but not enlisted", "error", err.Error())
			return k, errors.WrapWithContext(err, codeOf(err), "failed to enlist cache entry", map[string]interface{}{
				"key": k,
			})
		}
		m.stats.enlisted.Add(1)
	}

	return k, nil
}

// Restore returns the payload stored under the key derived from name.
// A miss returns found=false and a nil error unless WithFailOnMiss is set.
func (m *Manager) Restore(ctx context.Context, name string, opts ...Option) ([]byte, bool, error) {
	o := applyOptions(opts)
	k, err := m.derive(name, o)
	if err != nil {
		return nil, false, err
	}

	logger := m.logger.WithKey(k)
	start := time.Now()

	data, found, err := m.backend.Get(ctx, k)
	logging.LogOperation(ctx, logger, logging.OpRestore, time.Since(start), len(data), err)
	if err != nil {
		return nil, false, errors.WrapWithContext(err, codeOf(err), "failed to restore cache entry", map[string]interface{}{
			"key": k,
		})
	}

	if !found {
		m.stats.misses.Add(1)
		logging.LogMiss(ctx, m.logger, k)
		if o.failOnMiss {
			return nil, false, errors.WrapWithContext(ErrCacheMiss, errors.CodeNotFound, "no cache entry for key", map[string]interface{}{
				"key": k,
			})
		}
		return nil, false, nil
	}

	m.stats.hits.Add(1)
	logging.LogHit(ctx, m.logger, k, len(data))
	return data, true, nil
}

// SavePaths packs paths, relative to root on the configured filesystem, and
// saves the archive under the key derived from name.
func (m *Manager) SavePaths(ctx context.Context, name, root string, paths []string, opts ...Option) (string, error) {
	if _, err := m.derive(name, applyOptions(opts)); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	stats, err := archive.Pack(ctx, m.fs, root, paths, &buf)
	if err != nil {
		return "", err
	}
	m.logger.Debug(ctx, "packed paths", "name", name, "files", stats.Files, "bytes", stats.Bytes)

	return m.Save(ctx, name, buf.Bytes(), opts...)
}

// RestorePaths restores an archive saved with SavePaths into root. It
// reports whether an entry was found.
func (m *Manager) RestorePaths(ctx context.Context, name, root string, opts ...Option) (bool, error) {
	data, found, err := m.Restore(ctx, name, opts...)
	if err != nil || !found {
		return false, err
	}

	stats, err := archive.Unpack(ctx, m.fs, root, bytes.NewReader(data), m.limits)
	if err != nil {
		return false, err
	}
	m.logger.Debug(ctx, "restored paths", "name", name, "files", stats.Files, "bytes", stats.Bytes)
	return true, nil
}

// Failure is an entry Clean could not delete.
type Failure struct {
	Key string
	Err error
}

// CleanResult summarizes a Clean pass. Deleted counts successful deletes,
// including the ledger itself.
type CleanResult struct {
	Deleted  int
	Failures []Failure
}

// Failed reports whether any delete failed.
func (r CleanResult) Failed() bool {
	return len(r.Failures) > 0
}

// Clean deletes every key enlisted in the run's ledger and then the ledger.
//
// Per-entry failures are recorded in the result and do not stop the pass.
// The returned error is only set when the ledger could not be read. Calling
// Clean again after a successful pass returns an empty result.
func (m *Manager) Clean(ctx context.Context, opts ...Option) (CleanResult, error) {
	if m.ledger == nil {
		return CleanResult{}, errNoLedger()
	}
	o := applyOptions(opts)
	workers := o.workers
	if workers <= 0 {
		workers = m.workers
	}

	logger := m.logger.WithOperation(logging.OpClean)
	start := time.Now()

	snap, err := m.ledger.Load(ctx)
	if err != nil {
		logger.Error(ctx, "failed to load ledger", "error", err.Error())
		return CleanResult{}, errors.Wrap(err, codeOf(err), "failed to load ledger")
	}
	if snap.Empty() {
		logger.Debug(ctx, "no ledger, nothing to clean")
		return CleanResult{}, nil
	}

	var (
		mu     sync.Mutex
		result CleanResult
		g      errgroup.Group
	)
	failed := make([]error, len(snap.Keys))
	g.SetLimit(workers)
	for i, k := range snap.Keys {
		g.Go(func() error {
			if err := m.backend.Delete(ctx, k); err != nil {
				failed[i] = err
				logger.WithKey(k).Warn(ctx, "failed to delete cache entry", "error", err.Error())
				return nil
			}
			mu.Lock()
			result.Deleted++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range failed {
		if err != nil {
			result.Failures = append(result.Failures, Failure{Key: snap.Keys[i], Err: err})
		}
	}

	if err := m.ledger.Drop(ctx, snap); err != nil {
		logger.WithOperation(logging.OpDrop).Warn(ctx, "failed to drop ledger", "error", err.Error())
		owner := m.owner
		if owner == "" {
			owner = snap.Objects[0]
		}
		result.Failures = append(result.Failures, Failure{Key: owner, Err: err})
	} else {
		result.Deleted++
	}

	m.stats.deleted.Add(int64(result.Deleted))
	m.stats.failures.Add(int64(len(result.Failures)))
	logging.LogCleanup(ctx, m.logger, result.Deleted, len(result.Failures), time.Since(start))
	return result, nil
}

// Stats returns a snapshot of the Manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Saves:    m.stats.saves.Load(),
		Hits:     m.stats.hits.Load(),
		Misses:   m.stats.misses.Load(),
		Enlisted: m.stats.enlisted.Load(),
		Deleted:  m.stats.deleted.Load(),
		Failures: m.stats.failures.Load(),
	}
}

func errNoLedger() error {
	return errors.New(errors.CodeInvalidConfig, "run identity is required to use the ledger")
}

// codeOf keeps the code of a backend error, defaulting to unavailable.
func codeOf(err error) errors.ErrorCode {
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		return code
	}
	return errors.CodeUnavailable
}
