// Package idindex maintains the bidirectional mapping between stable
// point IDs and their storage locators.
//
// The mapping is held fully in memory during any search session and is
// persisted as an lz4-framed snapshot. Like the secondary index it is
// derived data: a missing or unreadable snapshot triggers a point-store
// scan, never an error.
package idindex

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/vecfs/vecfs/internal/fsx"
	"github.com/vecfs/vecfs/model"
)

// SnapshotFileName is the snapshot file name inside a collection directory.
const SnapshotFileName = "id_index.bin"

// Index maps point IDs to locators and rows back to IDs.
// All methods are safe for concurrent use; writers serialize internally
// so no ID can ever hold two rows.
type Index struct {
	mu      sync.RWMutex
	byID    map[string]model.Locator
	byRow   map[model.RowID]string
	live    *roaring.Bitmap
	nextRow model.RowID
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byID:  make(map[string]model.Locator),
		byRow: make(map[model.RowID]string),
		live:  roaring.New(),
	}
}

// Len returns the number of live points.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Lookup resolves a point ID to its locator.
func (ix *Index) Lookup(id string) (model.Locator, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	loc, ok := ix.byID[id]
	return loc, ok
}

// IDForRow resolves a row back to its point ID.
func (ix *Index) IDForRow(row model.RowID) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.byRow[row]
	return id, ok
}

// Assign returns the locator for id, allocating the next dense row if the
// id is new. The second return reports whether a new row was allocated.
func (ix *Index) Assign(id, file, path string) (model.Locator, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if loc, ok := ix.byID[id]; ok {
		if loc.File != file || loc.Path != path {
			loc.File = file
			loc.Path = path
			ix.byID[id] = loc
		}
		return loc, false
	}

	loc := model.Locator{Row: ix.nextRow, File: file, Path: path}
	ix.nextRow++
	ix.byID[id] = loc
	ix.byRow[loc.Row] = id
	ix.live.Add(uint32(loc.Row))
	return loc, true
}

// Rows returns a copy of the live row set.
func (ix *Index) Rows() *roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live.Clone()
}

// Walk calls fn for every (id, locator) pair until fn returns false.
// The iteration order is unspecified.
func (ix *Index) Walk(fn func(id string, loc model.Locator) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for id, loc := range ix.byID {
		if !fn(id, loc) {
			return
		}
	}
}

// UniquePathCount returns the number of distinct source paths.
// Points without a path in their payload are not counted.
func (ix *Index) UniquePathCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	paths := make(map[string]struct{}, len(ix.byID))
	for _, loc := range ix.byID {
		if loc.Path != "" {
			paths[loc.Path] = struct{}{}
		}
	}
	return len(paths)
}

type snapshot struct {
	NextRow model.RowID              `json:"next_row"`
	Entries map[string]model.Locator `json:"entries"`
}

// Save atomically persists the mapping to path.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	snap := snapshot{
		NextRow: ix.nextRow,
		Entries: make(map[string]model.Locator, len(ix.byID)),
	}
	for id, loc := range ix.byID {
		snap.Entries[id] = loc
	}
	ix.mu.RUnlock()

	return fsx.SaveAtomic(path, func(w io.Writer) error {
		zw := lz4.NewWriter(w)
		if err := json.NewEncoder(zw).Encode(&snap); err != nil {
			return err
		}
		return zw.Close()
	})
}

// Load reads a snapshot from path.
// Returns (nil, nil) if the snapshot does not exist and an error for an
// unreadable one; callers treat both as "rebuild by scanning".
func Load(path string) (*Index, error) {
	var snap snapshot
	err := fsx.LoadFrom(path, func(r io.Reader) error {
		return json.NewDecoder(lz4.NewReader(r)).Decode(&snap)
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ix := New()
	ix.nextRow = snap.NextRow
	for id, loc := range snap.Entries {
		ix.byID[id] = loc
		ix.byRow[loc.Row] = id
		ix.live.Add(uint32(loc.Row))
		if loc.Row >= ix.nextRow {
			ix.nextRow = loc.Row + 1
		}
	}
	return ix, nil
}
