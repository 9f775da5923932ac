package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/internal/logging"
	"github.com/jmgilman/runcache/key"
)

// FormatVersion is the version written into ledger documents.
const FormatVersion = 1

// Defaults for marker ledgers.
const (
	DefaultSettleDelay = 250 * time.Millisecond
	DefaultProbeWindow = 2
)

// ErrCorrupt marks a ledger object that could not be decoded. It is logged
// and the object is treated as empty; it is never returned to callers.
var ErrCorrupt = errors.New(errors.CodeSchemaFailed, "ledger is corrupt")

// Ledger is a per-run set of keys enlisted for deletion.
type Ledger interface {
	// Load reads the current ledger. A ledger that was never written
	// yields an empty Snapshot.
	Load(ctx context.Context) (Snapshot, error)

	// Enlist adds key to the ledger. Enlisting a key twice is a no-op.
	Enlist(ctx context.Context, key string) error

	// Drop deletes the ledger objects recorded in snap.
	Drop(ctx context.Context, snap Snapshot) error
}

// Snapshot is the result of loading a ledger.
type Snapshot struct {
	// Keys are the enlisted cache keys, de-duplicated, in slot order.
	Keys []string

	// Objects are the backend keys the ledger itself occupies.
	Objects []string
}

// Empty reports whether the ledger has no stored objects.
func (s Snapshot) Empty() bool {
	return len(s.Objects) == 0
}

// Strategy selects a Ledger implementation.
type Strategy string

// Supported strategies.
const (
	StrategyMarkers  Strategy = "markers"
	StrategyCompound Strategy = "compound"
)

// ParseStrategy parses a strategy name. The empty string selects markers.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyMarkers:
		return StrategyMarkers, nil
	case StrategyCompound:
		return StrategyCompound, nil
	}
	return "", errors.WithContext(errors.New(errors.CodeInvalidConfig, "unknown ledger strategy"), "strategy", s)
}

type options struct {
	logger *logging.Logger
	settle time.Duration
	window int
	now    func() time.Time
}

// Option configures a ledger.
type Option func(*options)

// WithLogger sets the logger used for warnings about corrupt objects.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSettleDelay sets how long a marker writer waits before re-checking
// its slot. Zero disables the re-check.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) {
		o.settle = d
	}
}

// WithProbeWindow sets how many consecutive empty slots end a marker scan.
func WithProbeWindow(n int) Option {
	return func(o *options) {
		o.window = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: logging.NewNop(),
		settle: DefaultSettleDelay,
		window: DefaultProbeWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.window < 1 {
		o.window = 1
	}
	if o.settle < 0 {
		o.settle = 0
	}
	return o
}

// New returns the ledger for run using strategy.
func New(strategy Strategy, b backend.Backend, run string, opts ...Option) (Ledger, error) {
	switch strategy {
	case "", StrategyMarkers:
		return NewMarkers(b, run, opts...)
	case StrategyCompound:
		return NewCompound(b, run, opts...)
	}
	return nil, errors.WithContext(errors.New(errors.CodeInvalidConfig, "unknown ledger strategy"), "strategy", string(strategy))
}

func ownerKey(b backend.Backend, run string) (string, error) {
	if b == nil {
		return "", errors.New(errors.CodeInvalidConfig, "ledger backend is required")
	}
	return key.OwnerKey(run)
}

// wrap annotates a backend failure while keeping its code.
func wrap(err error, msg, object string) error {
	code := errors.GetCode(err)
	if code == errors.CodeUnknown {
		code = errors.CodeUnavailable
	}
	return errors.WrapWithContext(err, code, msg, map[string]interface{}{
		"object": object,
	})
}

func corrupt(object string, cause error) error {
	return errors.WrapWithContext(ErrCorrupt, errors.CodeSchemaFailed, cause.Error(), map[string]interface{}{
		"object": object,
	})
}
