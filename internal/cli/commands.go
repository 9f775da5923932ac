package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend/memory"
	"github.com/jmgilman/runcache/config"
	"github.com/jmgilman/runcache/key"
	"github.com/jmgilman/runcache/lifecycle"
)

// stdio selects stdin or stdout for -file.
const stdio = "-"

// keyFlags are the flags that shape a derived key.
type keyFlags struct {
	name      string
	crossRun  bool
	manifests config.StringList
}

func (k *keyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&k.name, "name", "", "logical name of the cache entry (required)")
	fs.BoolVar(&k.crossRun, "cross-run", false, "share the entry across runs instead of scoping it to -run")
	fs.Var(&k.manifests, "manifest", "manifest file whose content hash is part of the key (repeatable)")
}

// options converts the flags to lifecycle options. Manifest paths are hashed
// relative to the working directory so the key does not depend on where
// the checkout lives.
func (k *keyFlags) options(s *session) ([]lifecycle.Option, error) {
	if k.name == "" {
		return nil, errors.New(errors.CodeInvalidInput, "-name is required")
	}

	var opts []lifecycle.Option
	if k.crossRun {
		opts = append(opts, lifecycle.WithCrossRun())
	}
	if len(k.manifests) > 0 {
		rel := make([]string, 0, len(k.manifests))
		for _, m := range k.manifests {
			r, err := relative(s.workDir, m)
			if err != nil {
				return nil, err
			}
			rel = append(rel, r)
		}
		d, err := key.ManifestDigest(s.workFS, rel...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lifecycle.WithManifest(key.ShortDigest(d, 0)))
	}
	return opts, nil
}

func runSave(ctx context.Context, env Env, args []string) int {
	var (
		common  config.Flags
		kf      keyFlags
		refresh bool
		enlist  bool
		file    string
		root    string
		paths   config.StringList
	)
	fs := newFlagSet("save", env, &common)
	kf.register(fs)
	fs.BoolVar(&refresh, "refresh", false, "delete any existing entry before writing")
	fs.BoolVar(&enlist, "enlist", false, "record the key so 'runcache clean' deletes it")
	fs.StringVar(&file, "file", "", "file to store as the payload ('-' for stdin)")
	fs.Var(&paths, "path", "path under -root to archive as the payload (repeatable)")
	fs.StringVar(&root, "root", ".", "directory -path entries are relative to")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if (file == "") == (len(paths) == 0) {
		return fail(env.Stderr, errors.New(errors.CodeInvalidInput, "exactly one of -file or -path is required"))
	}

	s, err := open(ctx, env, common)
	if err != nil {
		return fail(env.Stderr, err)
	}
	opts, err := kf.options(s)
	if err != nil {
		return fail(env.Stderr, err)
	}
	if refresh {
		opts = append(opts, lifecycle.WithRefresh())
	}
	if enlist {
		opts = append(opts, lifecycle.WithEnlist())
	}

	var k string
	if file != "" {
		payload, err := readPayload(env, s, file)
		if err != nil {
			return fail(env.Stderr, err)
		}
		k, err = s.manager.Save(ctx, kf.name, payload, opts...)
		if err != nil {
			return fail(env.Stderr, err)
		}
	} else {
		k, err = s.manager.SavePaths(ctx, kf.name, absolute(s.workDir, root), paths, opts...)
		if err != nil {
			return fail(env.Stderr, err)
		}
	}

	_, _ = fmt.Fprintln(env.Stdout, k)
	return ExitOK
}

func runRestore(ctx context.Context, env Env, args []string) int {
	var (
		common     config.Flags
		kf         keyFlags
		failOnMiss bool
		file       string
		root       string
	)
	fs := newFlagSet("restore", env, &common)
	kf.register(fs)
	fs.BoolVar(&failOnMiss, "fail-on-miss", false, "exit with status 3 when no entry exists")
	fs.StringVar(&file, "file", "", "file to write the payload to ('-' for stdout)")
	fs.StringVar(&root, "root", "", "directory to unpack an archived payload into")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if (file == "") == (root == "") {
		return fail(env.Stderr, errors.New(errors.CodeInvalidInput, "exactly one of -file or -root is required"))
	}

	s, err := open(ctx, env, common)
	if err != nil {
		return fail(env.Stderr, err)
	}
	opts, err := kf.options(s)
	if err != nil {
		return fail(env.Stderr, err)
	}
	if failOnMiss {
		opts = append(opts, lifecycle.WithFailOnMiss())
	}

	k, err := s.manager.Key(kf.name, opts...)
	if err != nil {
		return fail(env.Stderr, err)
	}

	var found bool
	if file != "" {
		var data []byte
		data, found, err = s.manager.Restore(ctx, kf.name, opts...)
		if err == nil && found {
			err = writePayload(env, s, file, data)
		}
	} else {
		found, err = s.manager.RestorePaths(ctx, kf.name, absolute(s.workDir, root), opts...)
	}
	if err != nil {
		return fail(env.Stderr, err)
	}

	if file != stdio {
		status := "miss"
		if found {
			status = "hit"
		}
		_, _ = fmt.Fprintf(env.Stdout, "%s %s\n", status, k)
	}
	return ExitOK
}

// cleanReport is the -json output of clean.
type cleanReport struct {
	Run      string         `json:"run"`
	Deleted  int            `json:"deleted"`
	Failures []cleanFailure `json:"failures"`
}

type cleanFailure struct {
	Key   string                `json:"key"`
	Error *errors.ErrorResponse `json:"error"`
}

func runClean(ctx context.Context, env Env, args []string) int {
	var (
		common      config.Flags
		jsonOutput  bool
		concurrency int
	)
	fs := newFlagSet("clean", env, &common)
	fs.BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	fs.IntVar(&concurrency, "concurrency", lifecycle.DefaultCleanConcurrency, "maximum concurrent deletes")
	if code, ok := parse(fs, args); !ok {
		return code
	}

	s, err := open(ctx, env, common)
	if err != nil {
		return fail(env.Stderr, err)
	}

	res, err := s.manager.Clean(ctx, lifecycle.WithCleanConcurrency(concurrency))
	if err != nil {
		return fail(env.Stderr, err)
	}

	if jsonOutput {
		report := cleanReport{
			Run:      s.cfg.Run,
			Deleted:  res.Deleted,
			Failures: make([]cleanFailure, 0, len(res.Failures)),
		}
		for _, f := range res.Failures {
			report.Failures = append(report.Failures, cleanFailure{Key: f.Key, Error: errors.ToJSON(f.Err)})
		}
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(env.Stderr, errors.Wrap(err, errors.CodeInternal, "failed to write report"))
		}
	} else {
		for _, f := range res.Failures {
			_, _ = fmt.Fprintf(env.Stderr, "failed to delete %s: %v\n", f.Key, f.Err)
		}
		_, _ = fmt.Fprintf(env.Stdout, "deleted %d, failed %d\n", res.Deleted, len(res.Failures))
	}

	if res.Failed() {
		return ExitFailures
	}
	return ExitOK
}

func runKey(ctx context.Context, env Env, args []string) int {
	var (
		common config.Flags
		kf     keyFlags
	)
	fs := newFlagSet("key", env, &common)
	kf.register(fs)
	if code, ok := parse(fs, args); !ok {
		return code
	}

	cfg, local, workFS, err := load(ctx, env, common)
	if err != nil {
		return fail(env.Stderr, err)
	}

	// Deriving a key never reaches the configured backend.
	m, err := lifecycle.New(lifecycle.Config{
		Backend:  memory.New(),
		Run:      cfg.Run,
		Platform: cfg.Platform,
		Runtime:  cfg.Runtime,
		Groups:   cfg.Groups,
		FS:       local,
	})
	if err != nil {
		return fail(env.Stderr, err)
	}

	opts, err := kf.options(&session{cfg: cfg, manager: m, local: local, workFS: workFS, workDir: env.WorkDir})
	if err != nil {
		return fail(env.Stderr, err)
	}
	k, err := m.Key(kf.name, opts...)
	if err != nil {
		return fail(env.Stderr, err)
	}

	_, _ = fmt.Fprintln(env.Stdout, k)
	return ExitOK
}

func readPayload(env Env, s *session, file string) ([]byte, error) {
	if file == stdio {
		data, err := io.ReadAll(env.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to read payload from stdin")
		}
		return data, nil
	}

	name := absolute(s.workDir, file)
	data, err := s.local.ReadFile(name)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeNotFound, "failed to read payload", map[string]interface{}{
			"path": name,
		})
	}
	return data, nil
}

func writePayload(env Env, s *session, file string, data []byte) error {
	if file == stdio {
		if _, err := env.Stdout.Write(data); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to write payload to stdout")
		}
		return nil
	}

	name := absolute(s.workDir, file)
	if err := s.local.MkdirAll(path.Dir(name), 0o755); err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to create payload directory", map[string]interface{}{
			"path": name,
		})
	}
	if err := s.local.WriteFile(name, data, 0o644); err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to write payload", map[string]interface{}{
			"path": name,
		})
	}
	return nil
}

// relative returns p relative to dir with forward slashes. Paths outside
// dir are rejected.
func relative(dir, p string) (string, error) {
	rel, err := filepath.Rel(dir, filepath.FromSlash(absolute(dir, p)))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.WithContext(
			errors.New(errors.CodeInvalidInput, "manifest must be inside the working directory"), "path", p)
	}
	return filepath.ToSlash(rel), nil
}
