package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

// MediaType is the media type of a packed payload.
const MediaType = "application/vnd.oci.image.layer.v1.tar+gzip"

var (
	// ErrUnsafePath is returned for members that would escape the root.
	ErrUnsafePath = errors.New(errors.CodeInvalidInput, "unsafe archive path")

	// ErrLimitExceeded is returned when an archive exceeds its Limits.
	ErrLimitExceeded = errors.New(errors.CodeInvalidInput, "archive limit exceeded")
)

// epoch is stamped on every entry so packing is reproducible.
var epoch = time.Unix(0, 0).UTC()

// Limits bounds what Unpack will extract. A zero field disables that check.
type Limits struct {
	// MaxFiles is the maximum number of regular files.
	MaxFiles int
	// MaxSize is the maximum total uncompressed size.
	MaxSize int64
	// MaxFileSize is the maximum size of any single file.
	MaxFileSize int64
}

// DefaultLimits are the limits used when none are configured.
var DefaultLimits = Limits{
	MaxFiles:    100000,
	MaxSize:     8 << 30, // 8GB
	MaxFileSize: 2 << 30, // 2GB
}

// Stats summarizes a pack or unpack.
type Stats struct {
	Files int
	Dirs  int
	Links int
	Bytes int64
}

// Source is the filesystem Pack reads from.
type Source interface {
	core.ReadFS
	core.WalkFS
}

type entry struct {
	name string // slash separated, relative to the root
	full string // path in the source filesystem
	info fs.FileInfo
	link string
}

// Pack writes a tar.gz archive of paths, each relative to root, to w.
// Directories are included recursively. Overlapping paths are stored once.
func Pack(ctx context.Context, fsys Source, root string, paths []string, w io.Writer) (Stats, error) {
	if len(paths) == 0 {
		return Stats{}, errors.New(errors.CodeInvalidInput, "at least one path is required")
	}
	if root == "" {
		root = "."
	}

	entries := make(map[string]entry)
	for _, p := range paths {
		rel, err := cleanMember(p)
		if err != nil {
			return Stats{}, err
		}
		if err := collect(fsys, root, rel, entries); err != nil {
			return Stats{}, err
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	var stats Stats
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := writeEntry(fsys, tw, entries[name], &stats); err != nil {
			return stats, err
		}
	}

	if err := tw.Close(); err != nil {
		return stats, errors.Wrap(err, errors.CodeInternal, "failed to finish tar stream")
	}
	if err := gw.Close(); err != nil {
		return stats, errors.Wrap(err, errors.CodeInternal, "failed to finish gzip stream")
	}
	return stats, nil
}

// collect walks root/rel and records every entry under its relative name.
func collect(fsys Source, root, rel string, entries map[string]entry) error {
	base := path.Join(root, rel)
	if _, err := fsys.Stat(base); err != nil {
		return errors.WrapWithContext(err, errors.CodeNotFound, "path to archive does not exist", map[string]interface{}{
			"path": rel,
		})
	}

	err := fsys.Walk(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := path.Join(rel, relativeTo(base, filepath.ToSlash(p)))
		if name == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		e := entry{name: name, full: p, info: info}

		switch {
		case d.IsDir(), info.Mode().IsRegular():
		case info.Mode()&fs.ModeSymlink != 0:
			sfs, ok := symlinks(fsys)
			if !ok {
				return nil
			}
			if e.link, err = sfs.Readlink(p); err != nil {
				return err
			}
		default:
			return nil
		}

		entries[name] = e
		return nil
	})
	if err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to walk path", map[string]interface{}{
			"path": rel,
		})
	}

	// Parent directories of a nested path are recorded so Unpack recreates
	// them with their modes.
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if _, ok := entries[dir]; ok {
			continue
		}
		info, err := fsys.Stat(path.Join(root, dir))
		if err != nil {
			return errors.WrapWithContext(err, errors.CodeInternal, "failed to stat parent directory", map[string]interface{}{
				"path": dir,
			})
		}
		entries[dir] = entry{name: dir, full: path.Join(root, dir), info: info}
	}
	return nil
}

// relativeTo returns p relative to base. Both are cleaned slash paths and p
// is base or below it.
func relativeTo(base, p string) string {
	if base == "." {
		return p
	}
	if p == base {
		return "."
	}
	return strings.TrimPrefix(p, strings.TrimSuffix(base, "/")+"/")
}

func writeEntry(fsys Source, tw *tar.Writer, e entry, stats *Stats) error {
	hdr := &tar.Header{
		Name:    e.name,
		Mode:    int64(e.info.Mode().Perm()),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}

	switch {
	case e.info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		stats.Dirs++
	case e.link != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.link
		stats.Links++
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.info.Size()
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to write tar header", map[string]interface{}{
			"path": e.name,
		})
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := fsys.Open(e.full)
	if err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to open file", map[string]interface{}{
			"path": e.name,
		})
	}
	defer f.Close()

	n, err := io.Copy(tw, f)
	if err != nil {
		return errors.WrapWithContext(err, errors.CodeInternal, "failed to write file content", map[string]interface{}{
			"path": e.name,
		})
	}
	stats.Files++
	stats.Bytes += n
	return nil
}

// Unpack extracts a tar.gz archive read from r into root. Existing files
// with the same names are overwritten; other files under root are left
// untouched.
func Unpack(ctx context.Context, fsys core.WriteFS, root string, r io.Reader, limits Limits) (Stats, error) {
	if root == "" {
		root = "."
	}

	gr, err := gzip.NewReader(r)
	if err != nil {
		return Stats{}, errors.Wrap(err, errors.CodeInvalidInput, "payload is not a gzip stream")
	}
	defer gr.Close()

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return Stats{}, errors.WrapWithContext(err, errors.CodeInternal, "failed to create target directory", map[string]interface{}{
			"path": root,
		})
	}

	var stats Stats
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if stderrors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, errors.Wrap(err, errors.CodeInvalidInput, "failed to read tar header")
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		name, err := cleanMember(hdr.Name)
		if err != nil {
			return stats, err
		}
		if name == "." {
			continue
		}
		target := path.Join(root, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return stats, writeFailed(err, name)
			}
			stats.Dirs++
		case tar.TypeReg:
			if err := checkLimits(limits, hdr, &stats); err != nil {
				return stats, err
			}
			if err := extractFile(fsys, tr, hdr, target); err != nil {
				return stats, writeFailed(err, name)
			}
		case tar.TypeSymlink:
			if err := resolveLink(name, hdr.Linkname); err != nil {
				return stats, err
			}
			sfs, ok := symlinks(fsys)
			if !ok {
				continue
			}
			if err := fsys.MkdirAll(path.Dir(target), 0o755); err != nil {
				return stats, writeFailed(err, name)
			}
			// An existing link or file is replaced; Symlink fails on anything else.
			if mfs, ok := fsys.(core.ManageFS); ok {
				_ = mfs.Remove(target)
			}
			if err := sfs.Symlink(hdr.Linkname, target); err != nil {
				return stats, writeFailed(err, name)
			}
			stats.Links++
		case tar.TypeLink:
			return stats, unsafePath(name, "hard links are not supported")
		}
	}
}

func checkLimits(limits Limits, hdr *tar.Header, stats *Stats) error {
	exceeded := func(limit string) error {
		return errors.WrapWithContext(ErrLimitExceeded, errors.CodeInvalidInput, limit+" exceeded", map[string]interface{}{
			"path": hdr.Name,
		})
	}
	if limits.MaxFiles > 0 && stats.Files+1 > limits.MaxFiles {
		return exceeded("file count")
	}
	if limits.MaxFileSize > 0 && hdr.Size > limits.MaxFileSize {
		return exceeded("file size")
	}
	if limits.MaxSize > 0 && stats.Bytes+hdr.Size > limits.MaxSize {
		return exceeded("total size")
	}
	stats.Files++
	stats.Bytes += hdr.Size
	return nil
}

func extractFile(fsys core.WriteFS, tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := fsys.MkdirAll(path.Dir(target), 0o755); err != nil {
		return err
	}

	mode := fs.FileMode(0o644)
	if hdr.Mode&0o111 != 0 {
		mode = 0o755
	}
	f, err := fsys.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(tr, hdr.Size)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeFailed(err error, name string) error {
	return errors.WrapWithContext(err, errors.CodeInternal, "failed to extract archive member", map[string]interface{}{
		"path": name,
	})
}
