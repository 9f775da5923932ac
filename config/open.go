package config

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/backend/fsstore"
	"github.com/jmgilman/runcache/backend/httpcache"
	"github.com/jmgilman/runcache/backend/memory"
	"github.com/jmgilman/runcache/backend/minio"
	"github.com/jmgilman/runcache/backend/oci"
	"github.com/jmgilman/runcache/internal/logging"
	"github.com/jmgilman/runcache/ledger"
)

// OpenBackend builds the backend selected by cfg.
func OpenBackend(ctx context.Context, cfg Config) (backend.Backend, error) {
	b := cfg.Backend
	switch b.Type {
	case BackendFS:
		dir, err := filepath.Abs(b.FS.Dir)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to resolve cache directory")
		}
		return opened(fsstore.New(billy.NewLocal(), filepath.ToSlash(dir)))

	case BackendMemory:
		return memory.New(), nil

	case BackendMinIO:
		store, err := minio.New(minio.Config{
			Endpoint:  b.MinIO.Endpoint,
			Bucket:    b.MinIO.Bucket,
			AccessKey: b.MinIO.AccessKey,
			SecretKey: b.MinIO.SecretKey,
			UseSSL:    b.MinIO.UseSSL,
			Region:    b.MinIO.Region,
			Prefix:    b.MinIO.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if b.MinIO.CreateBucket {
			if err := store.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil

	case BackendOCI:
		if b.OCI.Layout != "" {
			return opened(oci.NewLayout(b.OCI.Layout))
		}
		return opened(oci.NewRemote(ctx, oci.RemoteConfig{
			Repository: b.OCI.Repository,
			Username:   b.OCI.Username,
			Password:   b.OCI.Password,
			PlainHTTP:  b.OCI.PlainHTTP,
		}))

	case BackendHTTP:
		var opts []httpcache.Option
		if b.HTTP.Token != "" {
			opts = append(opts, httpcache.WithToken(b.HTTP.Token))
		}
		if b.HTTP.TTL > 0 {
			opts = append(opts, httpcache.WithTTL(time.Duration(b.HTTP.TTL)))
		}
		return opened(httpcache.NewClient(b.HTTP.URL, opts...))
	}

	return nil, invalid("backend.type", "unknown backend type")
}

// opened keeps a failed constructor from returning a typed nil Backend.
func opened[B backend.Backend](b B, err error) (backend.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OpenLedger builds the ledger for cfg.Run on b.
func OpenLedger(cfg Config, b backend.Backend, logger *logging.Logger) (ledger.Ledger, error) {
	strategy, err := ledger.ParseStrategy(cfg.Ledger.Strategy)
	if err != nil {
		return nil, err
	}
	return ledger.New(strategy, b, cfg.Run,
		ledger.WithLogger(logger),
		ledger.WithSettleDelay(time.Duration(cfg.Ledger.SettleDelay)),
		ledger.WithProbeWindow(cfg.Ledger.ProbeWindow),
	)
}

// NewLogger builds the logger described by cfg.Log, writing to w.
func NewLogger(cfg Config, w io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format := logging.Format(cfg.Log.Format)
	if format == "" {
		format = logging.FormatText
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: format,
		Output: w,
	}), nil
}
