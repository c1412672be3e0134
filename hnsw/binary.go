package hnsw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/vecfs/vecfs/distance"
	"github.com/vecfs/vecfs/internal/fsx"
)

// FileName is the persisted graph file inside a collection directory.
const FileName = "hnsw_index.bin"

const (
	fileMagic   = uint32(0x56465348) // "VFSH"
	fileVersion = uint32(1)
)

// ErrCorrupt indicates the persisted graph cannot be decoded. Callers
// treat the file as absent and rebuild from the point store.
var ErrCorrupt = errors.New("hnsw index file is corrupt")

// WriteTo serializes the graph. The header stays uncompressed so a reader
// can reject foreign files cheaply; the graph body is zstd-framed.
func (h *Index) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}

	header := [2]uint32{fileMagic, fileVersion}
	if err := binary.Write(cw, binary.LittleEndian, header[:]); err != nil {
		return cw.n, err
	}

	zw, err := zstd.NewWriter(cw)
	if err != nil {
		return cw.n, err
	}

	if err := h.writeBody(zw); err != nil {
		zw.Close()
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func (h *Index) writeBody(w io.Writer) error {
	le := binary.LittleEndian

	meta := []uint32{
		uint32(h.opts.Dimension),
		uint32(h.opts.M),
		uint32(h.opts.EF),
		uint32(h.opts.Metric),
		h.entryPoint,
		uint32(h.maxLevel),
		uint32(h.count),
		uint32(len(h.nodes)),
	}
	if err := binary.Write(w, le, meta); err != nil {
		return err
	}

	tombBytes, err := h.tombstones.MarshalBinary()
	if err != nil {
		return err
	}
	if err := binary.Write(w, le, uint32(len(tombBytes))); err != nil {
		return err
	}
	if _, err := w.Write(tombBytes); err != nil {
		return err
	}

	for _, n := range h.nodes {
		if n == nil {
			if err := binary.Write(w, le, uint8(0)); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, le, uint8(1)); err != nil {
			return err
		}
		if err := binary.Write(w, le, uint32(n.level)); err != nil {
			return err
		}
		for l := 0; l <= n.level; l++ {
			if err := binary.Write(w, le, uint32(len(n.edges[l]))); err != nil {
				return err
			}
			if err := binary.Write(w, le, n.edges[l]); err != nil {
				return err
			}
		}
		if err := binary.Write(w, le, n.vector); err != nil {
			return err
		}
	}

	return nil
}

// ReadFrom deserializes a graph previously written by WriteTo into h,
// replacing its contents. Decode failures wrap ErrCorrupt.
func (h *Index) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	if err := h.readFrom(cr); err != nil {
		return cr.n, err
	}
	return cr.n, nil
}

func (h *Index) readFrom(r io.Reader) error {
	le := binary.LittleEndian

	var header [2]uint32
	if err := binary.Read(r, le, header[:]); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if header[0] != fileMagic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupt, header[0])
	}
	if header[1] != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, header[1])
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	var meta [8]uint32
	if err := binary.Read(zr, le, meta[:]); err != nil {
		return fmt.Errorf("%w: short metadata: %v", ErrCorrupt, err)
	}

	dim := int(meta[0])
	if dim <= 0 {
		return fmt.Errorf("%w: invalid dimension %d", ErrCorrupt, dim)
	}
	if h.opts.Dimension != 0 && h.opts.Dimension != dim {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: dim}
	}

	metric := distance.Metric(meta[3])
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	opts := h.opts
	opts.Dimension = dim
	opts.M = int(meta[1])
	if opts.M < minimumM {
		opts.M = minimumM
	}
	opts.EF = int(meta[2])
	if opts.EF <= 0 {
		opts.EF = DefaultEF
	}
	opts.Metric = metric

	h.opts = opts
	h.distFunc = distFunc
	h.normalize = metric == distance.MetricCosine
	h.maxConns = opts.M
	h.maxConns0 = mmax0Multiplier * opts.M
	h.layerMultiplier = layerNormalizationBase / math.Log(float64(opts.M))
	h.entryPoint = meta[4]
	h.maxLevel = int(meta[5])
	h.count = int(meta[6])
	h.initPools()

	var tombLen uint32
	if err := binary.Read(zr, le, &tombLen); err != nil {
		return fmt.Errorf("%w: short tombstone length: %v", ErrCorrupt, err)
	}
	tombBytes := make([]byte, tombLen)
	if _, err := io.ReadFull(zr, tombBytes); err != nil {
		return fmt.Errorf("%w: short tombstones: %v", ErrCorrupt, err)
	}
	h.tombstones = roaring.New()
	if err := h.tombstones.UnmarshalBinary(tombBytes); err != nil {
		return fmt.Errorf("%w: bad tombstones: %v", ErrCorrupt, err)
	}

	numNodes := int(meta[7])
	h.nodes = make([]*node, numNodes)
	for i := range h.nodes {
		var present uint8
		if err := binary.Read(zr, le, &present); err != nil {
			return fmt.Errorf("%w: short node table: %v", ErrCorrupt, err)
		}
		if present == 0 {
			continue
		}

		var level uint32
		if err := binary.Read(zr, le, &level); err != nil {
			return fmt.Errorf("%w: short node level: %v", ErrCorrupt, err)
		}
		n := &node{
			level:  int(level),
			edges:  make([][]uint32, level+1),
			vector: make([]float32, dim),
		}
		for l := 0; l <= n.level; l++ {
			var edgeCount uint32
			if err := binary.Read(zr, le, &edgeCount); err != nil {
				return fmt.Errorf("%w: short edge count: %v", ErrCorrupt, err)
			}
			if int(edgeCount) > numNodes {
				return fmt.Errorf("%w: impossible edge count %d", ErrCorrupt, edgeCount)
			}
			n.edges[l] = make([]uint32, edgeCount)
			if err := binary.Read(zr, le, n.edges[l]); err != nil {
				return fmt.Errorf("%w: short edges: %v", ErrCorrupt, err)
			}
		}
		if err := binary.Read(zr, le, n.vector); err != nil {
			return fmt.Errorf("%w: short vector: %v", ErrCorrupt, err)
		}
		h.nodes[i] = n
	}

	return nil
}

// SaveToFile atomically persists the graph.
func (h *Index) SaveToFile(filename string) error {
	return fsx.SaveAtomic(filename, func(w io.Writer) error {
		_, err := h.WriteTo(w)
		return err
	})
}

// LoadFromFile loads a graph persisted by SaveToFile. A missing file
// returns (nil, fs error satisfying os.IsNotExist); a corrupt file returns
// an error wrapping ErrCorrupt. A dimension mismatch against
// opts.Dimension is a hard error, not corruption.
func LoadFromFile(filename string, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &Index{opts: opts}
	err := fsx.LoadFrom(filename, func(r io.Reader) error {
		_, err := h.ReadFrom(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
