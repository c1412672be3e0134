// Package collection implements the point store: one directory per
// collection holding collection metadata, one JSON file per point and
// the derived index files layered on top by other packages.
//
// Point files are the ground truth. Every derived structure in the
// collection directory can be regenerated from them.
package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vecfs/vecfs/internal/fsx"
	"github.com/vecfs/vecfs/model"
)

// ProjectionMatrixFileName is the shared dimensionality-reduction matrix.
// It survives Clear unless the caller explicitly asks for its removal.
const ProjectionMatrixFileName = "projection_matrix.json"

var (
	// ErrExists is returned by Create when the collection already exists.
	ErrExists = errors.New("collection already exists")

	// ErrMissing is returned when the collection directory or metadata
	// does not exist.
	ErrMissing = errors.New("collection does not exist")
)

// reserved basenames that must never be claimed by a point file.
var reserved = map[string]struct{}{
	MetaFileName:             {},
	ProjectionMatrixFileName: {},
	"vector_index.bin":       {},
	"id_index.bin":           {},
	"hnsw_index.bin":         {},
}

// Store manages the point files and metadata of a single collection.
type Store struct {
	fs   fsx.FileSystem
	name string
	dir  string
}

// Open returns a handle to an existing collection without touching disk.
func Open(fs fsx.FileSystem, baseDir, name string) *Store {
	return &Store{fs: fs, name: name, dir: filepath.Join(baseDir, name)}
}

// Create allocates the on-disk layout for a new collection.
func Create(fs fsx.FileSystem, baseDir, name string, vectorSize int) (*Store, error) {
	s := Open(fs, baseDir, name)
	if _, err := fs.Stat(s.metaPath()); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err := fs.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	if err := s.SaveMeta(NewMeta(vectorSize)); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the collection name.
func (s *Store) Name() string { return s.name }

// Dir returns the collection directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) metaPath() string { return filepath.Join(s.dir, MetaFileName) }

// Exists reports whether the collection metadata is present on disk.
func (s *Store) Exists() bool {
	_, err := s.fs.Stat(s.metaPath())
	return err == nil
}

// Meta loads the collection metadata.
func (s *Store) Meta() (Meta, error) {
	m, err := loadMeta(s.metaPath())
	if os.IsNotExist(err) {
		return Meta{}, fmt.Errorf("%w: %s", ErrMissing, s.name)
	}
	return m, err
}

// SaveMeta atomically persists the collection metadata.
func (s *Store) SaveMeta(m Meta) error {
	return saveMeta(s.metaPath(), m)
}

type pointFile struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload model.Payload `json:"payload,omitempty"`
}

// PointFileName maps a point ID to its file name inside the collection
// directory. IDs made only of path-safe characters keep a readable name;
// anything else is sanitized and an FNV-64a suffix keeps distinct IDs
// from colliding after sanitization.
func PointFileName(id string) string {
	safe := true
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '-' || r == '_' || r == '.' {
			continue
		}
		safe = false
		break
	}

	name := id
	if safe && len(id) <= 200 {
		if _, taken := reserved[name+".json"]; !taken && name != "" && !strings.HasPrefix(name, ".") {
			return name + ".json"
		}
	}

	var b strings.Builder
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	sanitized := b.String()
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("%s-%016x.json", sanitized, h.Sum64())
}

// WritePoint persists a point by atomic replace and returns its file name.
func (s *Store) WritePoint(p model.Point) (string, error) {
	name := PointFileName(p.ID)
	rec := pointFile{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	err := fsx.SaveAtomic(filepath.Join(s.dir, name), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(&rec)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// ReadPoint loads a single point file by name.
func (s *Store) ReadPoint(fileName string) (model.Point, error) {
	var rec pointFile
	err := fsx.LoadFrom(filepath.Join(s.dir, fileName), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&rec)
	})
	if err != nil {
		return model.Point{}, err
	}
	return model.Point{ID: rec.ID, Vector: rec.Vector, Payload: rec.Payload}, nil
}

// ScanPoints reads every point file in lexicographic file-name order and
// calls fn for each. The fixed order makes rebuilds deterministic.
// Unreadable or malformed point files are skipped; the derived indexes
// must be buildable from whatever ground truth survives.
func (s *Store) ScanPoints(fn func(fileName string, p model.Point) error) error {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissing, s.name)
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := reserved[name]; ok {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := s.ReadPoint(name)
		if err != nil {
			continue
		}
		if err := fn(name, p); err != nil {
			return err
		}
	}
	return nil
}

// CountPoints returns the number of point files on disk.
func (s *Store) CountPoints() (int, error) {
	n := 0
	err := s.ScanPoints(func(string, model.Point) error {
		n++
		return nil
	})
	return n, err
}

// Clear deletes all point files, derived index files and metadata
// counters. The projection matrix is preserved unless removeProjectionMatrix
// is set; it is shared across refreshes of the same collection.
func (s *Store) Clear(removeProjectionMatrix bool) error {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissing, s.name)
		}
		return err
	}

	meta, err := s.Meta()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == MetaFileName {
			continue
		}
		if name == ProjectionMatrixFileName && !removeProjectionMatrix {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	meta.UniqueFileCount = 0
	return s.SaveMeta(meta)
}
