// Package key derives canonical cache keys from named dimensions.
//
// A key is a pure function of its Dimensions: the same tuple always yields the
// same key, and dimensions that are semantically sets (Groups) are sorted and
// de-duplicated before they are encoded, so enumeration order never matters.
//
// # Encoding
//
// Dimension values are joined with "-" in a fixed order:
//
//	run, name, platform, runtime, manifest, groups
//
// Cross-run keys carry "_x" where run-scoped keys carry the run identity.
// Empty dimensions at the end of the key are dropped and empty dimensions
// before a non-empty one are written as "_". The groups part starts with "+"
// and its names are joined with "+". Values may only contain letters, digits,
// "." and "_" and must start with a letter or digit, so neither separator nor
// reserved token can appear inside a value:
//
//	key.Derive(key.Dimensions{Run: "run42", Name: "wheel"})
//	// "run42-wheel"
//
//	key.Derive(key.Dimensions{Run: "run42", Name: "wheel", Runtime: "3.12"})
//	// "run42-wheel-_-3.12"
//
//	key.Derive(key.Dimensions{
//	    Scope:    key.ScopeCrossRun,
//	    Name:     "deps",
//	    Platform: "linux",
//	    Runtime:  "3.12",
//	    Manifest: "9f86d081884c7d65",
//	    Groups:   []string{"test", "dev"},
//	})
//	// "_x-deps-linux-3.12-9f86d081884c7d65-+dev+test"
//
// Invalid or missing dimensions are reported as ErrInvalidDimension before any
// backend is touched.
package key
