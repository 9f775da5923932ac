package key

import (
	"regexp"
	"slices"
	"strings"

	"github.com/jmgilman/go/errors"
)

const (
	// Separator joins dimension values in a key.
	Separator = "-"

	// GroupSeparator joins canonicalized group names and marks the start of
	// the groups part.
	GroupSeparator = "+"

	// Absent stands in for an empty dimension that is followed by a
	// non-empty one.
	Absent = "_"

	// CrossRunPrefix takes the place of the run identity in cross-run keys.
	CrossRunPrefix = "_x"

	// ledgerName is the reserved name of a run's ledger object.
	ledgerName = "_ledger"
)

// ErrInvalidDimension is the root of every key derivation failure.
var ErrInvalidDimension = errors.New(errors.CodeInvalidInput, "invalid key dimension")

var valuePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._]*$`)

// Scope controls whether a key is bound to a single pipeline run.
type Scope int

const (
	// ScopeRun prefixes the key with the run identity.
	ScopeRun Scope = iota
	// ScopeCrossRun replaces the run identity with CrossRunPrefix so the
	// entry is shared across runs.
	ScopeCrossRun
)

// String returns the scope name.
func (s Scope) String() string {
	if s == ScopeCrossRun {
		return "cross-run"
	}
	return "run"
}

// Dimensions is the tuple a key is derived from.
type Dimensions struct {
	Scope    Scope
	Run      string   // run identity, required for ScopeRun
	Name     string   // logical purpose, always required
	Platform string   // optional
	Runtime  string   // optional runtime version
	Manifest string   // optional content hash of a manifest
	Groups   []string // optional set of group names
}

// Derive returns the canonical key for d.
//
// Every dimension keeps its position in the key. Empty dimensions at the
// end are dropped and empty dimensions before a non-empty one are written
// as Absent, so two different tuples never share a key.
func Derive(d Dimensions) (string, error) {
	if d.Name == "" {
		return "", invalid("name", d.Name, "name is required")
	}
	if strings.HasPrefix(d.Name, "_") {
		return "", invalid("name", d.Name, "names starting with '_' are reserved")
	}

	head := CrossRunPrefix
	if d.Scope == ScopeRun {
		if d.Run == "" {
			return "", invalid("run", d.Run, "run identity is required for run-scoped keys")
		}
		if err := checkValue("run", d.Run); err != nil {
			return "", err
		}
		head = d.Run
	}

	named := []struct{ dim, value string }{
		{"name", d.Name},
		{"platform", d.Platform},
		{"runtime", d.Runtime},
		{"manifest", d.Manifest},
	}
	fields := make([]string, 0, len(named)+1)
	for _, n := range named {
		if n.value != "" {
			if err := checkValue(n.dim, n.value); err != nil {
				return "", err
			}
		}
		fields = append(fields, n.value)
	}

	groups, err := CanonicalGroups(d.Groups)
	if err != nil {
		return "", err
	}
	if len(groups) > 0 {
		fields = append(fields, GroupSeparator+strings.Join(groups, GroupSeparator))
	}

	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	for i, f := range fields {
		if f == "" {
			fields[i] = Absent
		}
	}

	return head + Separator + strings.Join(fields, Separator), nil
}

// CanonicalGroups sorts and de-duplicates group names, dropping empty ones.
func CanonicalGroups(groups []string) ([]string, error) {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if err := checkValue("groups", g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// OwnerKey returns the key of the ledger that belongs to a run.
func OwnerKey(run string) (string, error) {
	if run == "" {
		return "", invalid("run", run, "run identity is required for the ledger")
	}
	if err := checkValue("run", run); err != nil {
		return "", err
	}
	return run + Separator + ledgerName, nil
}

func checkValue(dim, value string) error {
	if !valuePattern.MatchString(value) {
		return invalid(dim, value, "value must match "+valuePattern.String())
	}
	return nil
}

func invalid(dim, value, reason string) error {
	return errors.WrapWithContext(ErrInvalidDimension, errors.CodeInvalidInput, reason, map[string]interface{}{
		"dimension": dim,
		"value":     value,
	})
}
