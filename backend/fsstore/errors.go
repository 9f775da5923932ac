package fsstore

import (
	"io/fs"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/runcache/backend"
)

// translate maps filesystem errors to backend errors.
func translate(op, key string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return backend.Fail(errors.CodeForbidden, op, key, err)
	}
	return backend.Unavailable(op, key, err)
}
