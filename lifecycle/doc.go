// Package lifecycle saves, restores and cleans run-scoped cache entries.
//
// A Manager ties together key derivation, a cache backend and a ledger.
// Save writes a payload under a derived key and, when asked, enlists the key
// in the run's ledger. Clean is called once at the end of a run: it deletes
// every enlisted entry and then the ledger itself, so nothing created with
// WithEnlist outlives the run even if the run failed partway.
//
//	m, err := lifecycle.New(lifecycle.Config{
//	    Backend: b,
//	    Run:     os.Getenv("GITHUB_RUN_ID"),
//	})
//	key, err := m.Save(ctx, "wheel", payload, lifecycle.WithEnlist())
//	data, found, err := m.Restore(ctx, "wheel")
//	result, err := m.Clean(ctx)
//
// Ambient dimensions (run, platform, runtime, groups) come from Config and
// never from process globals.
package lifecycle
