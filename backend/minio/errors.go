package minio

import (
	"github.com/jmgilman/go/errors"
	"github.com/minio/minio-go/v7"

	"github.com/jmgilman/runcache/backend"
)

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// translate converts MinIO error responses to backend errors.
func translate(op, key string, err error) error {
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied":
		return backend.Fail(errors.CodeForbidden, op, key, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return backend.Fail(errors.CodeUnauthorized, op, key, err)
	case "NoSuchBucket":
		return backend.Fail(errors.CodeInvalidConfig, op, key, err)
	}

	return backend.Unavailable(op, key, err)
}
