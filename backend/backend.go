// Package backend defines the contract every cache store must satisfy.
//
// A Backend offers exactly three operations on opaque byte payloads: Put
// (overwrite allowed), Get (a miss is reported as found == false, never as an
// error) and Delete (idempotent). There is no listing, no bulk delete and no
// compare-and-swap. Everything above this package is designed around those
// limits.
//
// Concrete adapters live in the sub-packages memory, fsstore, minio, oci and
// httpcache. The backendtest package holds the conformance suite they all run.
package backend

import (
	"context"

	"github.com/jmgilman/go/errors"
)

// Backend is a keyed blob store with per-key atomic operations.
type Backend interface {
	// Put stores payload under key, replacing any existing value.
	Put(ctx context.Context, key string, payload []byte) error

	// Get returns the payload stored under key. A missing key yields
	// (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// ErrUnavailable reports that the store could not be reached or refused to
// serve the request for reasons other than the key's state.
var ErrUnavailable = errors.New(errors.CodeUnavailable, "cache backend unavailable")

// Operation names used in error context.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpDelete = "delete"
)

// Unavailable wraps a transport failure from op on key. The result matches
// both ErrUnavailable and err under errors.Is.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return Fail(errors.CodeUnavailable, op, key, &unavailableError{cause: err})
}

// Fail wraps err from op on key with an explicit code, for failures the store
// classifies itself (for example access denied).
func Fail(code errors.ErrorCode, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WrapWithContext(err, code, "cache backend "+op+" failed", map[string]interface{}{
		"operation": op,
		"key":       key,
	})
}

// InvalidKey reports a key the store cannot represent.
func InvalidKey(key, reason string) error {
	return errors.WithContext(errors.New(errors.CodeInvalidInput, "invalid cache key: "+reason), "key", key)
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.cause}
}
