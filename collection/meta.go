package collection

import (
	"encoding/json"
	"io"
	"time"

	"github.com/vecfs/vecfs/internal/fsx"
)

// MetaFileName is the metadata file inside a collection directory.
const MetaFileName = "collection_meta.json"

const (
	// IndexVersion tags the on-disk index generation.
	IndexVersion = 1

	// IndexFormat names the secondary index encoding.
	IndexFormat = "binary_v1"

	// IndexRecordSize is the fixed secondary index record width in bytes.
	IndexRecordSize = 40
)

// Meta is the per-collection metadata record.
// UniqueFileCount caches the distinct-source-file count so status queries
// never have to scan point files.
type Meta struct {
	VectorSize      int       `json:"vector_size"`
	CreatedAt       time.Time `json:"created_at"`
	IndexVersion    int       `json:"index_version"`
	IndexFormat     string    `json:"index_format"`
	IndexRecordSize int       `json:"index_record_size"`
	UniqueFileCount int       `json:"unique_file_count"`
}

// NewMeta returns the metadata for a freshly created collection.
func NewMeta(vectorSize int) Meta {
	return Meta{
		VectorSize:      vectorSize,
		CreatedAt:       time.Now().UTC(),
		IndexVersion:    IndexVersion,
		IndexFormat:     IndexFormat,
		IndexRecordSize: IndexRecordSize,
	}
}

func saveMeta(path string, m Meta) error {
	return fsx.SaveAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&m)
	})
}

func loadMeta(path string) (Meta, error) {
	var m Meta
	err := fsx.LoadFrom(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&m)
	})
	return m, err
}
