package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/runcache/key"
)

type harness struct {
	t       *testing.T
	dir     string
	environ map[string]string
	stdin   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:   t,
		dir: t.TempDir(),
		environ: map[string]string{
			"RUNCACHE_RUN":                 "run42",
			"RUNCACHE_LEDGER_SETTLE_DELAY": "0s",
			"RUNCACHE_LOG_LEVEL":           "error",
		},
	}
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, Env{
		Stdin:   strings.NewReader(h.stdin),
		Stdout:  &stdout,
		Stderr:  &stderr,
		Environ: h.environ,
		WorkDir: h.dir,
	})
	return code, stdout.String(), stderr.String()
}

func (h *harness) write(name, content string) {
	h.t.Helper()
	p := filepath.Join(h.dir, filepath.FromSlash(name))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) read(name string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(name)))
	require.NoError(h.t, err)
	return string(data)
}

func TestRun_Usage(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run()
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "Usage: runcache")

	code, stdout, _ := h.run("help")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "restore")

	code, _, stderr = h.run("purge")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, `unknown command "purge"`)

	code, _, stderr = h.run("save", "-h")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stderr, "-enlist")

	code, _, _ = h.run("key", "-name", "wheel", "extra")
	assert.Equal(t, ExitError, code)
}

func TestRun_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.write("dist/wheel.whl", "wheel bytes")

	code, stdout, stderr := h.run("save", "-name", "wheel", "-enlist", "-file", "dist/wheel.whl")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "run42-wheel\n", stdout)

	code, stdout, stderr = h.run("restore", "-name", "wheel", "-file", "out/wheel.whl")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "hit run42-wheel\n", stdout)
	assert.Equal(t, "wheel bytes", h.read("out/wheel.whl"))

	code, stdout, stderr = h.run("clean")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "deleted 2, failed 0\n", stdout)

	code, stdout, _ = h.run("restore", "-name", "wheel", "-file", "out/again.whl")
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "miss run42-wheel\n", stdout)
	assert.NoFileExists(t, filepath.Join(h.dir, "out", "again.whl"))

	code, _, stderr = h.run("restore", "-name", "wheel", "-file", "out/again.whl", "-fail-on-miss")
	assert.Equal(t, ExitMiss, code)
	assert.Contains(t, stderr, "no cache entry for key")

	code, stdout, _ = h.run("clean")
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "deleted 0, failed 0\n", stdout)
}

func TestRun_Paths(t *testing.T) {
	h := newHarness(t)
	h.write("build/dist/pkg-1.0.whl", "wheel")
	h.write("build/coverage.xml", "<coverage/>")

	code, stdout, stderr := h.run("save", "-name", "dist", "-root", "build", "-path", "dist", "-path", "coverage.xml")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "run42-dist\n", stdout)

	code, stdout, stderr = h.run("restore", "-name", "dist", "-root", "restored")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "hit run42-dist\n", stdout)
	assert.Equal(t, "wheel", h.read("restored/dist/pkg-1.0.whl"))
	assert.Equal(t, "<coverage/>", h.read("restored/coverage.xml"))
}

func TestRun_Stdio(t *testing.T) {
	h := newHarness(t)
	h.stdin = "from stdin"

	code, _, stderr := h.run("save", "-name", "notes", "-file", "-")
	require.Equal(t, ExitOK, code, stderr)

	code, stdout, stderr := h.run("restore", "-name", "notes", "-file", "-")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "from stdin", stdout)
}

func TestRun_Clean(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		h := newHarness(t)
		h.write("a.txt", "a")
		for _, name := range []string{"a", "b"} {
			code, _, stderr := h.run("save", "-name", name, "-enlist", "-file", "a.txt")
			require.Equal(t, ExitOK, code, stderr)
		}

		code, stdout, stderr := h.run("clean", "-json")
		require.Equal(t, ExitOK, code, stderr)

		var report cleanReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, "run42", report.Run)
		assert.Equal(t, 3, report.Deleted)
		assert.Empty(t, report.Failures)
	})

	t.Run("failures exit with status 2", func(t *testing.T) {
		h := newHarness(t)
		h.write("a.txt", "a")
		code, _, stderr := h.run("save", "-name", "wheel", "-enlist", "-file", "a.txt")
		require.Equal(t, ExitOK, code, stderr)

		// A non-empty directory in place of the entry cannot be removed.
		entry := filepath.Join(h.dir, ".runcache", "run42-wheel")
		require.NoError(t, os.Remove(entry))
		require.NoError(t, os.MkdirAll(filepath.Join(entry, "pinned"), 0o755))

		code, stdout, stderr := h.run("clean", "-json")
		assert.Equal(t, ExitFailures, code)

		var report cleanReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, 1, report.Deleted)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, "run42-wheel", report.Failures[0].Key)
		assert.NotEmpty(t, report.Failures[0].Error.Code)

		code, _, stderr = h.run("clean")
		assert.Equal(t, ExitOK, code, stderr)
	})

	t.Run("requires a run", func(t *testing.T) {
		h := newHarness(t)
		delete(h.environ, "RUNCACHE_RUN")

		code, _, stderr := h.run("clean")
		assert.Equal(t, ExitError, code)
		assert.Contains(t, stderr, "INVALID_CONFIGURATION")
	})
}

func TestRun_Key(t *testing.T) {
	h := newHarness(t)
	h.write("poetry.lock", "lock v1")

	mem := billy.NewMemory()
	require.NoError(t, mem.WriteFile("poetry.lock", []byte("lock v1"), 0o644))
	d, err := key.ManifestDigest(mem, "poetry.lock")
	require.NoError(t, err)
	short := key.ShortDigest(d, 0)

	code, stdout, stderr := h.run("key", "-name", "deps", "-cross-run", "-manifest", "poetry.lock",
		"-platform", "Linux", "-group", "test", "-group", "dev")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "_x-deps-Linux-_-"+short+"-+dev+test\n", stdout)

	// The same manifest in another checkout yields the same key.
	other := newHarness(t)
	other.write("poetry.lock", "lock v1")
	_, again, _ := other.run("key", "-name", "deps", "-cross-run", "-manifest", filepath.Join(other.dir, "poetry.lock"),
		"-platform", "Linux", "-group", "dev,test")
	assert.Equal(t, stdout, again)

	code, _, stderr = h.run("key", "-name", "deps", "-manifest", "../outside.lock")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "inside the working directory")
}

func TestRun_KeyErrors(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run("key", "-name", "my-wheel")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "INVALID_INPUT")

	code, _, stderr = h.run("key")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "-name is required")

	code, _, _ = h.run("save", "-name", "wheel")
	assert.Equal(t, ExitError, code, "neither -file nor -path")

	code, _, _ = h.run("restore", "-name", "wheel", "-file", "x", "-root", "y")
	assert.Equal(t, ExitError, code, "both -file and -root")
}

func TestRun_ConfigLayers(t *testing.T) {
	h := newHarness(t)
	delete(h.environ, "RUNCACHE_RUN")
	h.write("runcache.cue", `run: "filerun"
platform: "Linux"
`)

	_, stdout, _ := h.run("key", "-name", "wheel")
	assert.Equal(t, "filerun-wheel-Linux\n", stdout)

	h.environ["RUNCACHE_RUN"] = "envrun"
	_, stdout, _ = h.run("key", "-name", "wheel")
	assert.Equal(t, "envrun-wheel-Linux\n", stdout)

	_, stdout, _ = h.run("key", "-name", "wheel", "-run", "flagrun")
	assert.Equal(t, "flagrun-wheel-Linux\n", stdout)

	h.write("ci/other.cue", `run: "othercfg"`)
	delete(h.environ, "RUNCACHE_RUN")
	_, stdout, _ = h.run("key", "-name", "wheel", "-config", "ci/other.cue")
	assert.Equal(t, "othercfg-wheel\n", stdout)

	code, _, stderr := h.run("key", "-name", "wheel", "-config", "missing.cue")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "CUE_LOAD_FAILED")

	h.write("runcache.cue", `backend: type: "redis"`)
	code, _, _ = h.run("key", "-name", "wheel")
	assert.Equal(t, ExitError, code)
}

func TestRun_BackendFlag(t *testing.T) {
	h := newHarness(t)
	h.write("a.txt", "a")

	code, stdout, stderr := h.run("save", "-name", "wheel", "-backend", "memory", "-file", "a.txt")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "run42-wheel\n", stdout)
	assert.NoDirExists(t, filepath.Join(h.dir, ".runcache"))
}
