// Package fsstore provides a Backend that stores each key as one file in a
// directory of a core.FS.
//
// Any core.FS works: a local directory (billy.NewLocal), a shared volume
// mounted into every worker, or an in-memory filesystem for tests. Writes go
// to a temporary file first and are renamed into place, so a reader never
// observes a partially written payload on filesystems with atomic rename.
package fsstore

import (
	"context"
	"io/fs"
	"net/url"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"github.com/jmgilman/runcache/backend"
)

const (
	tempDirName = ".tmp"
	filePerm    = 0o644
	dirPerm     = 0o755
)

// Store is a directory-backed cache store.
type Store struct {
	fs      core.FS
	root    string
	tempDir string
	locks   sync.Map // map[string]*sync.Mutex, per-key
}

// New returns a Store rooted at dir within fsys, creating dir if needed.
// An empty dir selects the filesystem root.
func New(fsys core.FS, dir string) (*Store, error) {
	if fsys == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "filesystem cannot be nil")
	}
	if dir == "" {
		dir = "."
	}
	dir = path.Clean(dir)

	tempDir := path.Join(dir, tempDirName)
	if err := fsys.MkdirAll(tempDir, dirPerm); err != nil {
		return nil, backend.Unavailable("open", dir, err)
	}

	return &Store{
		fs:      fsys,
		root:    dir,
		tempDir: tempDir,
	}, nil
}

// objectPath maps a key to its file path. Keys are path-escaped so that any
// string is a single file name inside the root.
func (s *Store) objectPath(key string) (string, error) {
	if key == "" {
		return "", backend.InvalidKey(key, "key is empty")
	}
	name := url.PathEscape(key)
	if name == "." || name == ".." || name == tempDirName {
		return "", backend.InvalidKey(key, "key is reserved by the filesystem store")
	}
	return path.Join(s.root, name), nil
}

func (s *Store) lock(p string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(p, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Put writes payload to a temporary file and renames it over the key's file.
func (s *Store) Put(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	l := s.lock(p)
	l.Lock()
	defer l.Unlock()

	tmp := path.Join(s.tempDir, uuid.NewString())
	if err := s.fs.WriteFile(tmp, payload, filePerm); err != nil {
		_ = s.fs.Remove(tmp)
		return translate(backend.OpPut, key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return translate(backend.OpPut, key, err)
	}
	return nil
}

// Get reads the key's file. A missing file is a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return nil, false, err
	}

	l := s.lock(p)
	l.Lock()
	defer l.Unlock()

	data, err := s.fs.ReadFile(p)
	if err != nil {
		if isNotExist(err) {
			return nil, false, nil
		}
		return nil, false, translate(backend.OpGet, key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

// Delete removes the key's file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	l := s.lock(p)
	l.Lock()
	defer l.Unlock()

	if err := s.fs.Remove(p); err != nil && !isNotExist(err) {
		return translate(backend.OpDelete, key, err)
	}
	return nil
}

// Root returns the directory the store writes into.
func (s *Store) Root() string {
	return s.root
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
