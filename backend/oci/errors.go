package oci

import (
	"net/http"

	"github.com/jmgilman/go/errors"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/jmgilman/runcache/backend"
)

func isNotFound(err error) bool {
	if errors.Is(err, errdef.ErrNotFound) {
		return true
	}
	var resp *errcode.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound
}

// translate maps registry errors to backend errors.
func translate(op, key string, err error) error {
	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return backend.Fail(errors.CodeUnauthorized, op, key, err)
		case http.StatusForbidden:
			return backend.Fail(errors.CodeForbidden, op, key, err)
		}
	}
	return backend.Unavailable(op, key, err)
}
