// Package secidx implements the binary secondary index: one fixed-width
// 40-byte record per live point, in insertion order.
//
// The index enables O(1) point counts and candidate pruning without
// opening every point file. It is derived data: a missing or truncated
// file is never fatal, because the whole file can be rebuilt from the
// point store at any time.
package secidx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/vecfs/vecfs/internal/fsx"
	"github.com/vecfs/vecfs/model"
)

const (
	// RecordSize is the fixed on-disk size of one record.
	RecordSize = 40

	// FileName is the index file name inside a collection directory.
	FileName = "vector_index.bin"
)

// ErrCorrupt indicates the index file size is not a whole number of records.
var ErrCorrupt = errors.New("secondary index file is truncated or corrupt")

// Record is the decoded form of one 40-byte index record.
//
// Layout (little-endian):
//
//	[0:8)   FNV-64a hash of the point id
//	[8:16)  FNV-64a hash of the content fingerprint (change detection)
//	[16:20) row id
//	[20:24) vector dimension
//	[24:40) reserved, zero
type Record struct {
	IDHash      uint64
	ContentHash uint64
	Row         model.RowID
	Dim         uint32
}

// HashID returns the identity hash of a point id.
func HashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// HashContent returns the change-detection hash of a content fingerprint.
func HashContent(fingerprint []byte) uint64 {
	h := fnv.New64a()
	h.Write(fingerprint)
	return h.Sum64()
}

func (r Record) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.IDHash)
	binary.LittleEndian.PutUint64(buf[8:16], r.ContentHash)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Row))
	binary.LittleEndian.PutUint32(buf[20:24], r.Dim)
	clear(buf[24:RecordSize])
}

func decode(buf []byte) Record {
	return Record{
		IDHash:      binary.LittleEndian.Uint64(buf[0:8]),
		ContentHash: binary.LittleEndian.Uint64(buf[8:16]),
		Row:         model.RowID(binary.LittleEndian.Uint32(buf[16:20])),
		Dim:         binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// Index is a handle to one collection's secondary index file.
// Callers serialize mutations; reads are safe against concurrent readers.
type Index struct {
	fs   fsx.FileSystem
	path string
}

// Open returns a handle for the index file inside dir.
// The file itself is created lazily on first append.
func Open(fs fsx.FileSystem, dir string) *Index {
	if fs == nil {
		fs = fsx.Default
	}
	return &Index{fs: fs, path: filepath.Join(dir, FileName)}
}

// Path returns the index file path.
func (x *Index) Path() string { return x.path }

// Count returns the number of complete records on disk, O(1).
// A missing file counts as zero records.
func (x *Index) Count() (int, error) {
	info, err := x.fs.Stat(x.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.Size()%RecordSize != 0 {
		return int(info.Size() / RecordSize), fmt.Errorf("%w: size %d", ErrCorrupt, info.Size())
	}
	return int(info.Size() / RecordSize), nil
}

// Append adds one record at the end of the file.
func (x *Index) Append(rec Record) error {
	f, err := x.fs.OpenFile(x.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	var buf [RecordSize]byte
	rec.encode(buf[:])
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Update overwrites the record at position i in place.
func (x *Index) Update(i int, rec Record) error {
	f, err := x.fs.OpenFile(x.path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	var buf [RecordSize]byte
	rec.encode(buf[:])
	if _, err := f.WriteAt(buf[:], int64(i)*RecordSize); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadAll returns every complete record in insertion order.
// A missing file yields no records; a partial trailing record is dropped.
// Both conditions leave the caller on the fallback path, not in error.
func (x *Index) ReadAll() ([]Record, error) {
	m, err := fsx.OpenMapped(x.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer m.Close()

	data := m.Bytes()
	n := len(data) / RecordSize
	recs := make([]Record, n)
	for i := 0; i < n; i++ {
		recs[i] = decode(data[i*RecordSize : (i+1)*RecordSize])
	}
	return recs, nil
}

// Rebuild atomically replaces the whole file with the given records.
// This is the reconciliation point used by rebuild-from-vectors.
func (x *Index) Rebuild(recs []Record) error {
	return fsx.SaveAtomic(x.path, func(w io.Writer) error {
		var buf [RecordSize]byte
		for _, rec := range recs {
			rec.encode(buf[:])
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes the index file. Removing a missing file is a no-op.
func (x *Index) Remove() error {
	err := x.fs.Remove(x.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
