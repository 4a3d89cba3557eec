// Package scenecache is a content-addressed store of rendered scene segments.
//
// Keys are SHA-256 digests over the normalized scene content, the render
// profile fingerprint, and the encoder id, so identical inputs always resolve
// to the same entry. Entries live in two-character shard directories as a
// segment file plus a JSON sidecar. The sidecar is renamed into place last and
// acts as the commit marker: an entry without one does not exist.
//
// The cache is advisory. Unreadable, partial, or foreign files are treated as
// misses, and writers in other processes are serialized with a per-key file
// lock. Entries are never rewritten once committed.
package scenecache
