package key

import (
	"fmt"
	"slices"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"github.com/opencontainers/go-digest"
)

// DefaultShortLength is the number of hex characters ShortDigest keeps.
const DefaultShortLength = 16

// ManifestDigest computes a content hash over one or more manifest files
// (lock files, pyproject.toml, go.sum, ...).
//
// Paths are hashed in sorted order together with their names, so the result
// does not depend on argument order but does change when a file is renamed.
func ManifestDigest(fsys core.ReadFS, paths ...string) (digest.Digest, error) {
	if len(paths) == 0 {
		return "", errors.New(errors.CodeInvalidInput, "at least one manifest path is required")
	}

	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, p := range sorted {
		data, err := fsys.ReadFile(p)
		if err != nil {
			return "", errors.WrapWithContext(err, errors.CodeNotFound, "failed to read manifest", map[string]interface{}{
				"path": p,
			})
		}
		_, _ = fmt.Fprintf(h, "%s\x00%d\x00", p, len(data))
		_, _ = h.Write(data)
	}

	return digester.Digest(), nil
}

// ShortDigest returns the first n hex characters of d, suitable as the
// manifest dimension of a key. n <= 0 selects DefaultShortLength.
func ShortDigest(d digest.Digest, n int) string {
	if n <= 0 {
		n = DefaultShortLength
	}
	enc := d.Encoded()
	if len(enc) <= n {
		return enc
	}
	return enc[:n]
}
