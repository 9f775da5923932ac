package ledger

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/internal/logging"
)

type compoundDoc struct {
	Version int      `json:"version"`
	Keys    []string `json:"keys"`
}

// Compound is a ledger stored as a single JSON list at the owner key.
//
// Enlist reads the list, appends and writes it back. Within one process
// this is serialized; across processes concurrent enlistments can overwrite
// each other and lose keys.
type Compound struct {
	backend backend.Backend
	owner   string
	opts    options

	mu sync.Mutex
}

// NewCompound returns a compound ledger for run.
func NewCompound(b backend.Backend, run string, opts ...Option) (*Compound, error) {
	owner, err := ownerKey(b, run)
	if err != nil {
		return nil, err
	}
	return &Compound{
		backend: b,
		owner:   owner,
		opts:    newOptions(opts),
	}, nil
}

// Owner returns the key of the ledger document.
func (c *Compound) Owner() string {
	return c.owner
}

// read returns the stored document. A corrupt document is logged and
// reported as empty but present.
func (c *Compound) read(ctx context.Context, op logging.Operation) (compoundDoc, bool, error) {
	data, found, err := c.backend.Get(ctx, c.owner)
	if err != nil {
		return compoundDoc{}, false, wrap(err, "failed to read ledger", c.owner)
	}
	if !found {
		return compoundDoc{Version: FormatVersion}, false, nil
	}

	var doc compoundDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version == 0 {
		if err == nil {
			err = errors.New(errors.CodeSchemaFailed, "missing version")
		}
		c.opts.logger.WithOperation(op).Warn(ctx, "ignoring corrupt ledger", "error", corrupt(c.owner, err).Error())
		return compoundDoc{Version: FormatVersion}, true, nil
	}
	return doc, true, nil
}

// Load returns the keys in the document.
func (c *Compound) Load(ctx context.Context) (Snapshot, error) {
	doc, found, err := c.read(ctx, logging.OpLoad)
	if err != nil || !found {
		return Snapshot{}, err
	}

	keys := make([]string, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k != "" && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return Snapshot{Keys: keys, Objects: []string{c.owner}}, nil
}

// Enlist appends key to the document unless it is already present.
func (c *Compound) Enlist(ctx context.Context, k string) error {
	if k == "" {
		return errors.New(errors.CodeInvalidInput, "cannot enlist an empty key")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, _, err := c.read(ctx, logging.OpEnlist)
	if err != nil {
		return err
	}
	if slices.Contains(doc.Keys, k) {
		return nil
	}
	doc.Keys = append(doc.Keys, k)
	doc.Version = FormatVersion

	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode ledger")
	}
	if err := c.backend.Put(ctx, c.owner, payload); err != nil {
		return wrap(err, "failed to write ledger", c.owner)
	}
	return nil
}

// Drop deletes the document.
func (c *Compound) Drop(ctx context.Context, snap Snapshot) error {
	if snap.Empty() {
		return nil
	}
	if err := c.backend.Delete(ctx, c.owner); err != nil {
		return wrap(err, "failed to delete ledger", c.owner)
	}
	return nil
}
