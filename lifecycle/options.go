package lifecycle

import "github.com/jmgilman/runcache/key"

type options struct {
	refresh    bool
	enlist     bool
	failOnMiss bool
	scope      key.Scope
	manifest   string
	groups     []string
	groupsSet  bool
	workers    int
}

// Option configures a single Save, Restore or Key call.
type Option func(*options)

// WithRefresh deletes any existing entry before a Save writes it.
func WithRefresh() Option {
	return func(o *options) {
		o.refresh = true
	}
}

// WithEnlist records the saved key in the run's ledger so Clean removes it.
func WithEnlist() Option {
	return func(o *options) {
		o.enlist = true
	}
}

// WithFailOnMiss makes Restore return ErrCacheMiss instead of found=false.
func WithFailOnMiss() Option {
	return func(o *options) {
		o.failOnMiss = true
	}
}

// WithCrossRun derives a key that is shared across runs.
func WithCrossRun() Option {
	return func(o *options) {
		o.scope = key.ScopeCrossRun
	}
}

// WithManifest adds a manifest content hash to the key.
func WithManifest(hash string) Option {
	return func(o *options) {
		o.manifest = hash
	}
}

// WithGroups replaces the configured groups for this call.
func WithGroups(groups ...string) Option {
	return func(o *options) {
		o.groups = groups
		o.groupsSet = true
	}
}

// WithCleanConcurrency bounds how many deletes Clean runs at once.
func WithCleanConcurrency(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
