// Package archive packs a set of paths into a single tar.gz payload and
// unpacks it again.
//
// Paths are given relative to a root directory of a core filesystem and are
// stored under those relative names, so a payload packed from one checkout
// can be restored into another. Packing is deterministic: entries are sorted
// and timestamps are fixed, which means unchanged inputs produce identical
// payloads.
//
// Unpack validates every member before touching the filesystem. Absolute
// names, ".." components, control characters and links that resolve outside
// the root are rejected with ErrUnsafePath, and Limits bounds the number and
// size of extracted files.
package archive
