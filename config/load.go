package config

import (
	"context"
	_ "embed"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

// EnvPrefix prefixes every runcache environment variable.
const EnvPrefix = "RUNCACHE_"

//go:embed schema.cue
var schemaSource string

// ciEnv holds the CI provider variables used as fallbacks.
type ciEnv struct {
	RunID    string `env:"GITHUB_RUN_ID"`
	RunnerOS string `env:"RUNNER_OS"`
}

type loadOptions struct {
	environ map[string]string
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithEnvironment replaces the process environment, mainly for tests.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) {
		o.environ = environ
	}
}

// Load builds the configuration from defaults, the CUE file at path and the
// environment. An empty path loads DefaultFile if it exists; a path that is
// given explicitly must exist.
func Load(ctx context.Context, fsys core.ReadFS, path string, opts ...LoadOption) (Config, error) {
	o := loadOptions{environ: env.ToMap(os.Environ())}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()

	file := path
	if file == "" {
		file = DefaultFile
		if ok, err := fsys.Exists(file); err != nil || !ok {
			file = ""
		}
	}
	if file != "" {
		if err := loadFile(ctx, fsys, file, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, o.environ); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile validates the CUE file against #Config and decodes it over cfg.
func loadFile(ctx context.Context, fsys core.ReadFS, file string, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := fsys.ReadFile(file)
	if err != nil {
		return errors.WrapWithContext(err, errors.CodeCUELoadFailed, "failed to read config file", map[string]interface{}{
			"file_path": file,
		})
	}

	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "config schema is invalid")
	}

	val := cctx.CompileBytes(data, cue.Filename(file))
	if err := val.Err(); err != nil {
		return errors.WrapWithContext(err, errors.CodeCUEBuildFailed, "failed to build config file", map[string]interface{}{
			"file_path": file,
			"details":   cueerrors.Details(err, nil),
		})
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.Final(), cue.All()); err != nil {
		return errors.WrapWithContext(err, errors.CodeCUEValidationFailed, "config file does not match schema", map[string]interface{}{
			"file_path": file,
			"details":   cueerrors.Details(err, nil),
		})
	}

	if err := unified.Decode(cfg); err != nil {
		return errors.WrapWithContext(err, errors.CodeCUEDecodeFailed, "failed to decode config file", map[string]interface{}{
			"file_path": file,
		})
	}
	return nil
}

func applyEnv(cfg *Config, environ map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{
		Environment: environ,
		Prefix:      EnvPrefix,
	}); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse environment")
	}

	var ci ciEnv
	if err := env.ParseWithOptions(&ci, env.Options{Environment: environ}); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse environment")
	}
	if cfg.Run == "" {
		cfg.Run = ci.RunID
	}
	if cfg.Platform == "" {
		cfg.Platform = ci.RunnerOS
	}
	return nil
}
