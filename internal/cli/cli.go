// Package cli implements the runcache command line.
//
// Every subcommand owns a flag.FlagSet that shares the config.Flags
// overrides, so the same -run, -backend or -log-level flags work everywhere:
//
//	runcache save -name wheel -enlist -path dist -root build
//	runcache restore -name wheel -fail-on-miss -root build
//	runcache clean -json
//	runcache key -name deps -cross-run -manifest poetry.lock
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/runcache/config"
	"github.com/jmgilman/runcache/internal/logging"
	"github.com/jmgilman/runcache/ledger"
	"github.com/jmgilman/runcache/lifecycle"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFailures = 2 // clean finished but some entries could not be deleted
	ExitMiss     = 3 // restore missed with -fail-on-miss
)

// Env is the process environment a command runs in. Zero fields fall back
// to the real process.
type Env struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Environ map[string]string
	WorkDir string
}

func (e Env) withDefaults() (Env, error) {
	if e.Stdin == nil {
		e.Stdin = os.Stdin
	}
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Stderr == nil {
		e.Stderr = os.Stderr
	}
	if e.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return e, errors.Wrap(err, errors.CodeInternal, "failed to determine working directory")
		}
		e.WorkDir = wd
	}
	return e, nil
}

type command struct {
	summary string
	run     func(ctx context.Context, env Env, args []string) int
}

var commands = map[string]command{
	"save":    {summary: "store a payload under a derived key", run: runSave},
	"restore": {summary: "fetch a payload by its derived key", run: runRestore},
	"clean":   {summary: "delete everything the run enlisted", run: runClean},
	"key":     {summary: "print the derived key without touching the backend", run: runKey},
}

// Run executes the command named by args[0] and returns its exit code.
func Run(ctx context.Context, args []string, env Env) int {
	env, err := env.withDefaults()
	if err != nil {
		return fail(env.Stderr, err)
	}

	if len(args) == 0 {
		usage(env.Stderr)
		return ExitError
	}
	switch args[0] {
	case "help", "-h", "-help", "--help":
		usage(env.Stdout)
		return ExitOK
	}

	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(env.Stderr, "runcache: unknown command %q\n\n", args[0])
		usage(env.Stderr)
		return ExitError
	}
	return cmd.run(ctx, env, args[1:])
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintln(w, "Usage: runcache <command> [flags]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Run 'runcache <command> -h' for the flags of a command.")
}

// newFlagSet returns a FlagSet for cmd with the shared config flags
// registered on it.
func newFlagSet(cmd string, env Env, common *config.Flags) *flag.FlagSet {
	fs := flag.NewFlagSet("runcache "+cmd, flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	common.Register(fs)
	return fs
}

// parse parses args and reports the exit code to use when parsing stops
// the command.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK, false
		}
		return ExitError, false
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return ExitError, false
	}
	return ExitOK, true
}

// session is everything a command needs once configuration is resolved.
type session struct {
	cfg     config.Config
	logger  *logging.Logger
	manager *lifecycle.Manager
	local   core.FS // rooted at "/"
	workFS  core.FS // rooted at the working directory
	workDir string
}

// load resolves the configuration without opening a backend.
func load(ctx context.Context, env Env, common config.Flags) (config.Config, core.FS, core.FS, error) {
	local := billy.NewLocal()
	workFS, err := local.Chroot(filepath.ToSlash(env.WorkDir))
	if err != nil {
		return config.Config{}, nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to open working directory")
	}

	var opts []config.LoadOption
	if env.Environ != nil {
		opts = append(opts, config.WithEnvironment(env.Environ))
	}

	var cfg config.Config
	if common.File != "" {
		cfg, err = config.Load(ctx, local, absolute(env.WorkDir, common.File), opts...)
	} else {
		cfg, err = config.Load(ctx, workFS, "", opts...)
	}
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	common.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, nil, err
	}
	if cfg.Backend.Type == config.BackendFS && !filepath.IsAbs(cfg.Backend.FS.Dir) {
		cfg.Backend.FS.Dir = filepath.Join(env.WorkDir, cfg.Backend.FS.Dir)
	}
	return cfg, local, workFS, nil
}

// open resolves the configuration and builds the backend, ledger and
// lifecycle manager.
func open(ctx context.Context, env Env, common config.Flags) (*session, error) {
	cfg, local, workFS, err := load(ctx, env, common)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg, env.Stderr)
	if err != nil {
		return nil, err
	}

	b, err := config.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var l ledger.Ledger
	if cfg.Run != "" {
		if l, err = config.OpenLedger(cfg, b, logger); err != nil {
			return nil, err
		}
	}

	m, err := lifecycle.New(lifecycle.Config{
		Backend:  b,
		Ledger:   l,
		Run:      cfg.Run,
		Platform: cfg.Platform,
		Runtime:  cfg.Runtime,
		Groups:   cfg.Groups,
		FS:       local,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "session opened",
		"backend", cfg.Backend.Type,
		"ledger", cfg.Ledger.Strategy,
		"run", cfg.Run,
	)

	return &session{
		cfg:     cfg,
		logger:  logger,
		manager: m,
		local:   local,
		workFS:  workFS,
		workDir: env.WorkDir,
	}, nil
}

// absolute resolves p against dir and returns it with forward slashes.
func absolute(dir, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// fail prints err and maps it to an exit code.
func fail(w io.Writer, err error) int {
	_, _ = fmt.Fprintf(w, "runcache: %v\n", err)
	if errors.Is(err, lifecycle.ErrCacheMiss) {
		return ExitMiss
	}
	return ExitError
}
