// Package oci provides a Backend that stores each cache entry as a tagged
// OCI artifact.
//
// Every key becomes one tag. The tag points at a manifest with a single
// layer holding the payload, and the manifest carries the original key as an
// annotation so that two keys with identical payloads never share a manifest.
// Any oras.Target that can delete content works: a remote registry
// repository (NewRemote) or an OCI image layout directory (NewLayout).
//
// Deleting a key deletes its manifest. Layer blobs are left to the
// registry's garbage collector because other keys may reference the same
// blob.
package oci

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"

	"github.com/jmgilman/go/errors"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"

	"github.com/jmgilman/runcache/backend"
)

const (
	// ArtifactType identifies runcache manifests.
	ArtifactType = "application/vnd.runcache.entry.v1"

	// PayloadMediaType is the media type of the single payload layer.
	PayloadMediaType = "application/vnd.runcache.entry.payload.v1"

	// AnnotationKey records the cache key a manifest was written for.
	AnnotationKey = "io.runcache.key"

	maxTagLength = 128
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Target is an OCI content store that supports tagging and deletion.
type Target interface {
	oras.Target
	content.Deleter
}

// Store is an OCI-backed cache store.
type Store struct {
	target Target
}

// New returns a Store over target.
func New(target Target) *Store {
	return &Store{target: target}
}

// NewLayout returns a Store over an OCI image layout directory, creating it
// if needed.
func NewLayout(dir string) (*Store, error) {
	store, err := oci.New(dir)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to open OCI layout", map[string]interface{}{
			"dir": dir,
		})
	}
	return New(store), nil
}

// Tag returns the OCI tag used for key. Keys that are valid tags of at most
// 128 characters are used verbatim. Anything else is replaced by "_" and the
// hex SHA-256 of the key. Keys derived by the key package never start with
// "_", so the two forms cannot collide.
func Tag(key string) string {
	if len(key) <= maxTagLength && tagPattern.MatchString(key) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "_" + hex.EncodeToString(sum[:])
}

// Put pushes payload as a single-layer artifact and tags it with the key.
// The manifest previously tagged with the key, if any, is deleted.
func (s *Store) Put(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return backend.InvalidKey(key, "key is empty")
	}
	tag := Tag(key)

	previous, err := s.target.Resolve(ctx, tag)
	switch {
	case err == nil:
	case errors.Is(err, errdef.ErrNotFound):
		previous = ocispec.Descriptor{}
	default:
		return translate(backend.OpPut, key, err)
	}

	layer := content.NewDescriptorFromBytes(PayloadMediaType, payload)
	if err := s.push(ctx, layer, payload); err != nil {
		return translate(backend.OpPut, key, err)
	}

	manifest, err := oras.PackManifest(ctx, s.target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
		ManifestAnnotations: map[string]string{
			AnnotationKey: key,
		},
	})
	if err != nil {
		return translate(backend.OpPut, key, err)
	}

	if err := s.target.Tag(ctx, manifest, tag); err != nil {
		return translate(backend.OpPut, key, err)
	}

	if previous.Digest != "" && previous.Digest != manifest.Digest {
		// The old manifest is unreachable now; failing to remove it only leaks storage.
		_ = s.target.Delete(ctx, previous)
	}
	return nil
}

func (s *Store) push(ctx context.Context, desc ocispec.Descriptor, data []byte) error {
	exists, err := s.target.Exists(ctx, desc)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.target.Push(ctx, desc, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

// Get resolves the key's tag and fetches the payload layer.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, backend.InvalidKey(key, "key is empty")
	}

	desc, err := s.target.Resolve(ctx, Tag(key))
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, translate(backend.OpGet, key, err)
	}

	raw, err := content.FetchAll(ctx, s.target, desc)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, translate(backend.OpGet, key, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, false, backend.Fail(errors.CodeSchemaFailed, backend.OpGet, key, err)
	}
	if manifest.Annotations[AnnotationKey] != key {
		// A hashed tag that belongs to a different key.
		return nil, false, nil
	}
	if len(manifest.Layers) != 1 {
		return nil, false, backend.Fail(errors.CodeSchemaFailed, backend.OpGet, key,
			errors.Newf(errors.CodeSchemaFailed, "expected 1 layer, found %d", len(manifest.Layers)))
	}

	payload, err := content.FetchAll(ctx, s.target, manifest.Layers[0])
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, translate(backend.OpGet, key, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, true, nil
}

// Delete removes the manifest tagged with the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return backend.InvalidKey(key, "key is empty")
	}

	desc, err := s.target.Resolve(ctx, Tag(key))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return translate(backend.OpDelete, key, err)
	}

	if err := s.target.Delete(ctx, desc); err != nil && !isNotFound(err) {
		return translate(backend.OpDelete, key, err)
	}
	return nil
}
