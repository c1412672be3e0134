// Package vecfs is a filesystem-resident vector storage engine.
//
// A Store manages named collections under a base directory. Each
// collection keeps one JSON file per point as the source of truth and
// layers three derived structures on top: a flat 40-byte-record secondary
// index for O(1) counting and cheap pre-filtering, a persisted id-to-file
// mapping, and an HNSW graph for approximate nearest neighbor search.
// Derived structures are disposable; any of them can be regenerated from
// the point files with RebuildFromVectors, and read paths fall back to a
// full scan instead of failing when an index file is missing or corrupt.
//
// A resident daemon process keeps one warm cache entry per collection
// (see the daemon package). Searches share the entry's read lock;
// watch-mode upserts take the write lock and mutate the loaded graph in
// place, so a single-file edit never pays a full reload.
package vecfs
