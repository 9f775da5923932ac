// Package backendtest provides a conformance suite for backend.Backend
// implementations, plus wrappers that record, gate or fail backend calls.
//
// Adapters run the suite from their own tests:
//
//	func TestConformance(t *testing.T) {
//	    backendtest.TestSuite(t, func() backend.Backend {
//	        return mystore.New()
//	    })
//	}
package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jmgilman/runcache/backend"
)

// Config adapts the suite to a store's characteristics.
type Config struct {
	// LargePayloadSize is the size of the payload used by the Large test.
	// Zero selects 1 MiB.
	LargePayloadSize int

	// SkipTests lists test names to skip (e.g. "Concurrent").
	SkipTests []string
}

// DefaultConfig returns the configuration used by TestSuite.
func DefaultConfig() Config {
	return Config{LargePayloadSize: 1 << 20}
}

// Keys that exercise every character class produced by the key package.
var sampleKeys = []string{
	"run42-wheel",
	"run42-_ledger",
	"run42-_ledger.17",
	"_x-deps-Linux-3.12-9f86d081884c7d65-+dev+test",
	"a",
}

// TestSuite runs all conformance tests with DefaultConfig.
// newBackend must return a fresh, empty store on every call.
func TestSuite(t *testing.T, newBackend func() backend.Backend) {
	TestSuiteWithConfig(t, newBackend, DefaultConfig())
}

// TestSuiteWithConfig runs all conformance tests with cfg.
func TestSuiteWithConfig(t *testing.T, newBackend func() backend.Backend, cfg Config) {
	if cfg.LargePayloadSize == 0 {
		cfg.LargePayloadSize = 1 << 20
	}

	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend, cfg Config)
	}{
		{"PutGet", testPutGet},
		{"GetMiss", testGetMiss},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"DeleteMissing", testDeleteMissing},
		{"EmptyPayload", testEmptyPayload},
		{"Binary", testBinary},
		{"Large", testLarge},
		{"KeyShapes", testKeyShapes},
		{"Isolation", testIsolation},
		{"Concurrent", testConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, skip := range cfg.SkipTests {
				if skip == tt.name {
					t.Skip("Skipped by backend configuration")
				}
			}
			tt.fn(t, newBackend(), cfg)
		})
	}
}

func mustPut(t *testing.T, b backend.Backend, key string, payload []byte) {
	t.Helper()
	if err := b.Put(context.Background(), key, payload); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func mustGet(t *testing.T, b backend.Backend, key string) ([]byte, bool) {
	t.Helper()
	data, found, err := b.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return data, found
}

func mustDelete(t *testing.T, b backend.Backend, key string) {
	t.Helper()
	if err := b.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete(%q): %v", key, err)
	}
}

func testPutGet(t *testing.T, b backend.Backend, _ Config) {
	want := []byte("hello cache")
	mustPut(t, b, "run42-wheel", want)

	got, found := mustGet(t, b, "run42-wheel")
	if !found {
		t.Fatal("Get after Put: found = false")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get after Put = %q, want %q", got, want)
	}
}

func testGetMiss(t *testing.T, b backend.Backend, _ Config) {
	got, found := mustGet(t, b, "never-written")
	if found {
		t.Errorf("Get on missing key: found = true, payload %q", got)
	}
	if got != nil {
		t.Errorf("Get on missing key returned payload %q, want nil", got)
	}
}

func testOverwrite(t *testing.T, b backend.Backend, _ Config) {
	mustPut(t, b, "k", []byte("first"))
	mustPut(t, b, "k", []byte("second, longer value"))

	got, found := mustGet(t, b, "k")
	if !found || string(got) != "second, longer value" {
		t.Errorf("Get after overwrite = (%q, %v), want (%q, true)", got, found, "second, longer value")
	}

	mustPut(t, b, "k", []byte("3"))
	got, _ = mustGet(t, b, "k")
	if string(got) != "3" {
		t.Errorf("Get after shrinking overwrite = %q, want %q", got, "3")
	}
}

func testDelete(t *testing.T, b backend.Backend, _ Config) {
	mustPut(t, b, "k", []byte("v"))
	mustDelete(t, b, "k")

	if _, found := mustGet(t, b, "k"); found {
		t.Error("Get after Delete: found = true")
	}
}

func testDeleteMissing(t *testing.T, b backend.Backend, _ Config) {
	mustDelete(t, b, "never-written")

	mustPut(t, b, "k", []byte("v"))
	mustDelete(t, b, "k")
	mustDelete(t, b, "k")
}

func testEmptyPayload(t *testing.T, b backend.Backend, _ Config) {
	mustPut(t, b, "empty", []byte{})

	got, found := mustGet(t, b, "empty")
	if !found {
		t.Fatal("Get of empty payload: found = false")
	}
	if len(got) != 0 {
		t.Errorf("Get of empty payload = %q, want empty", got)
	}
}

func testBinary(t *testing.T, b backend.Backend, _ Config) {
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i % 256)
	}
	mustPut(t, b, "bin", want)

	got, _ := mustGet(t, b, "bin")
	if !bytes.Equal(got, want) {
		t.Error("binary payload was altered by the round trip")
	}
}

func testLarge(t *testing.T, b backend.Backend, cfg Config) {
	want := bytes.Repeat([]byte("0123456789abcdef"), cfg.LargePayloadSize/16)
	mustPut(t, b, "large", want)

	got, _ := mustGet(t, b, "large")
	if !bytes.Equal(got, want) {
		t.Errorf("large payload: got %d bytes, want %d", len(got), len(want))
	}
}

func testKeyShapes(t *testing.T, b backend.Backend, _ Config) {
	for _, k := range sampleKeys {
		mustPut(t, b, k, []byte("value of "+k))
	}
	for _, k := range sampleKeys {
		got, found := mustGet(t, b, k)
		if !found || string(got) != "value of "+k {
			t.Errorf("Get(%q) = (%q, %v), want (%q, true)", k, got, found, "value of "+k)
		}
	}
	for _, k := range sampleKeys {
		mustDelete(t, b, k)
		if _, found := mustGet(t, b, k); found {
			t.Errorf("Get(%q) after Delete: found = true", k)
		}
	}
}

func testIsolation(t *testing.T, b backend.Backend, _ Config) {
	mustPut(t, b, "run42-_ledger", []byte("header"))
	mustPut(t, b, "run42-_ledger.1", []byte("slot"))

	if _, found := mustGet(t, b, "run42-_ledger.2"); found {
		t.Error("unwritten sibling key reported as found")
	}

	mustDelete(t, b, "run42-_ledger.1")
	got, found := mustGet(t, b, "run42-_ledger")
	if !found || string(got) != "header" {
		t.Errorf("deleting one key affected another: got (%q, %v)", got, found)
	}
}

func testConcurrent(t *testing.T, b backend.Backend, _ Config) {
	const workers = 8
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fmt.Sprintf("worker%d-out", i)
			if err := b.Put(ctx, k, []byte(k)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put: %v", err)
	}

	for i := 0; i < workers; i++ {
		k := fmt.Sprintf("worker%d-out", i)
		got, found := mustGet(t, b, k)
		if !found || string(got) != k {
			t.Errorf("Get(%q) = (%q, %v) after concurrent Put", k, got, found)
		}
	}
}
