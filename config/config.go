// Package config loads runcache configuration.
//
// Settings are layered, lowest precedence first:
//
//  1. Defaults (see Default).
//  2. An optional CUE file, validated against the embedded #Config schema.
//  3. RUNCACHE_* environment variables. When no run identity or platform is
//     configured, GITHUB_RUN_ID and RUNNER_OS are used.
//  4. Command line flags (see Flags).
//
// A minimal runcache.cue:
//
//	backend: {
//	    type: "minio"
//	    minio: {endpoint: "minio:9000", bucket: "ci-cache"}
//	}
//	ledger: settle_delay: "500ms"
package config

import (
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/internal/logging"
	"github.com/jmgilman/runcache/ledger"
)

// DefaultFile is the configuration file looked up when no path is given.
const DefaultFile = "runcache.cue"

// Backend types.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendMinIO  = "minio"
	BackendOCI    = "oci"
	BackendHTTP   = "http"
)

// Config is the complete runcache configuration.
type Config struct {
	Run      string   `json:"run,omitempty" env:"RUN"`
	Platform string   `json:"platform,omitempty" env:"PLATFORM"`
	Runtime  string   `json:"runtime,omitempty" env:"RUNTIME"`
	Groups   []string `json:"groups,omitempty" env:"GROUPS" envSeparator:","`

	Ledger  LedgerConfig  `json:"ledger" envPrefix:"LEDGER_"`
	Backend BackendConfig `json:"backend" envPrefix:"BACKEND_"`
	Log     LogConfig     `json:"log" envPrefix:"LOG_"`
}

// LedgerConfig selects and tunes the ledger.
type LedgerConfig struct {
	Strategy    string   `json:"strategy,omitempty" env:"STRATEGY"`
	SettleDelay Duration `json:"settle_delay,omitempty" env:"SETTLE_DELAY"`
	ProbeWindow int      `json:"probe_window,omitempty" env:"PROBE_WINDOW"`
}

// BackendConfig selects the cache backend. Only the section matching Type
// is used.
type BackendConfig struct {
	Type  string      `json:"type,omitempty" env:"TYPE"`
	FS    FSConfig    `json:"fs" envPrefix:"FS_"`
	MinIO MinIOConfig `json:"minio" envPrefix:"MINIO_"`
	OCI   OCIConfig   `json:"oci" envPrefix:"OCI_"`
	HTTP  HTTPConfig  `json:"http" envPrefix:"HTTP_"`
}

// FSConfig configures the filesystem backend.
type FSConfig struct {
	Dir string `json:"dir,omitempty" env:"DIR"`
}

// MinIOConfig configures the S3-compatible backend.
type MinIOConfig struct {
	Endpoint     string `json:"endpoint,omitempty" env:"ENDPOINT"`
	Bucket       string `json:"bucket,omitempty" env:"BUCKET"`
	AccessKey    string `json:"access_key,omitempty" env:"ACCESS_KEY"`
	SecretKey    string `json:"secret_key,omitempty" env:"SECRET_KEY"`
	UseSSL       bool   `json:"use_ssl,omitempty" env:"USE_SSL"`
	Region       string `json:"region,omitempty" env:"REGION"`
	Prefix       string `json:"prefix,omitempty" env:"PREFIX"`
	CreateBucket bool   `json:"create_bucket,omitempty" env:"CREATE_BUCKET"`
}

// OCIConfig configures the OCI backend. Layout selects a local OCI image
// layout directory instead of a remote repository.
type OCIConfig struct {
	Repository string `json:"repository,omitempty" env:"REPOSITORY"`
	Layout     string `json:"layout,omitempty" env:"LAYOUT"`
	Username   string `json:"username,omitempty" env:"USERNAME"`
	Password   string `json:"password,omitempty" env:"PASSWORD"`
	PlainHTTP  bool   `json:"plain_http,omitempty" env:"PLAIN_HTTP"`
}

// HTTPConfig configures the HTTP cache service backend.
type HTTPConfig struct {
	URL   string   `json:"url,omitempty" env:"URL"`
	Token string   `json:"token,omitempty" env:"TOKEN"`
	TTL   Duration `json:"ttl,omitempty" env:"TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" env:"LEVEL"`
	Format string `json:"format,omitempty" env:"FORMAT"`
}

// Duration is a time.Duration read from strings such as "250ms".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid duration")
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Ledger: LedgerConfig{
			Strategy:    string(ledger.StrategyMarkers),
			SettleDelay: Duration(ledger.DefaultSettleDelay),
			ProbeWindow: ledger.DefaultProbeWindow,
		},
		Backend: BackendConfig{
			Type: BackendFS,
			FS:   FSConfig{Dir: ".runcache"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
	}
}

// Validate checks settings that do not depend on a live backend.
func (c Config) Validate() error {
	if _, err := ledger.ParseStrategy(c.Ledger.Strategy); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch logging.Format(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return invalid("log.format", "unknown log format")
	}

	b := c.Backend
	switch b.Type {
	case BackendFS:
		if b.FS.Dir == "" {
			return invalid("backend.fs.dir", "directory is required")
		}
	case BackendMemory:
	case BackendMinIO:
		if b.MinIO.Endpoint == "" {
			return invalid("backend.minio.endpoint", "endpoint is required")
		}
		if b.MinIO.Bucket == "" {
			return invalid("backend.minio.bucket", "bucket is required")
		}
	case BackendOCI:
		if b.OCI.Repository == "" && b.OCI.Layout == "" {
			return invalid("backend.oci", "repository or layout is required")
		}
	case BackendHTTP:
		if b.HTTP.URL == "" {
			return invalid("backend.http.url", "url is required")
		}
	default:
		return invalid("backend.type", "unknown backend type")
	}
	return nil
}

func invalid(field, msg string) error {
	return errors.WithContext(errors.New(errors.CodeInvalidConfig, msg), "field", field)
}
