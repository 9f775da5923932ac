package archive

import (
	"path"
	"strings"

	"github.com/jmgilman/go/errors"
)

// cleanMember validates a member or input path and returns its cleaned,
// slash-separated form. The root itself is returned as ".".
func cleanMember(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", unsafePath(name, "empty path")
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || hasDriveLetter(name) {
		return "", unsafePath(name, "absolute path")
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return "", unsafePath(name, "control character in path")
		}
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", unsafePath(name, "path traversal")
		}
	}
	lower := strings.ToLower(name)
	for _, v := range []string{"%2e%2e", "..%2f", "..%5c"} {
		if strings.Contains(lower, v) {
			return "", unsafePath(name, "encoded path traversal")
		}
	}
	return path.Clean(name), nil
}

// resolveLink reports whether a link at member pointing at target stays
// inside the root.
func resolveLink(member, target string) error {
	if target == "" || strings.HasPrefix(target, "/") || hasDriveLetter(target) {
		return unsafePath(member, "link target is absolute")
	}
	resolved := path.Clean(path.Join(path.Dir(member), target))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return unsafePath(member, "link target escapes root")
	}
	return nil
}

func hasDriveLetter(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func unsafePath(name, reason string) error {
	return errors.WrapWithContext(ErrUnsafePath, errors.CodeInvalidInput, reason, map[string]interface{}{
		"path": name,
	})
}
