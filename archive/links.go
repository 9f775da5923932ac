package archive

import (
	gobilly "github.com/go-git/go-billy/v5"
	"github.com/jmgilman/go/fs/core"
)

// unwrapper is implemented by the go-billy backed filesystems, which keep
// their symlink support on the underlying billy.Filesystem.
type unwrapper interface {
	Unwrap() gobilly.Filesystem
}

// symlinks returns the symlink operations of fsys, if it has any.
func symlinks(fsys any) (core.SymlinkFS, bool) {
	if sfs, ok := fsys.(core.SymlinkFS); ok {
		return sfs, true
	}
	if u, ok := fsys.(unwrapper); ok {
		if sfs, ok := u.Unwrap().(gobilly.Symlink); ok {
			return sfs, true
		}
	}
	return nil, false
}
