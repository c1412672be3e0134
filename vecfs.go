package vecfs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/vecfs/vecfs/collection"
	"github.com/vecfs/vecfs/daemon"
	"github.com/vecfs/vecfs/hnsw"
	"github.com/vecfs/vecfs/idindex"
	"github.com/vecfs/vecfs/internal/fsx"
	"github.com/vecfs/vecfs/internal/resource"
	"github.com/vecfs/vecfs/model"
	"github.com/vecfs/vecfs/secidx"
)

// Store is a filesystem-resident vector store. One Store manages many
// collections under a base directory; point files are the ground truth
// and every index layered on top can be regenerated from them.
type Store struct {
	baseDir   string
	opts      options
	logger    *Logger
	fs        fsx.FileSystem
	registry  *daemon.Registry
	resources *resource.Controller

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// handle is the per-collection write-side state. Writers to the same
// collection serialize on mu; readers go through the daemon registry.
type handle struct {
	mu    sync.Mutex
	store *collection.Store
	sec   *secidx.Index
	bulk  bool
}

// Open opens (or creates) a store rooted at baseDir.
func Open(baseDir string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)

	if err := opts.fs.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	return &Store{
		baseDir:   baseDir,
		opts:      opts,
		logger:    opts.logger,
		fs:        opts.fs,
		registry:  daemon.NewRegistry(),
		resources: resource.NewController(opts.resources),
		handles:   make(map[string]*handle),
	}, nil
}

// Close tears down the warm caches. Point and index files stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.registry.Shutdown()
	return nil
}

func (s *Store) handleFor(name string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	h, ok := s.handles[name]
	if !ok {
		cs := collection.Open(s.fs, s.baseDir, name)
		h = &handle{
			store: cs,
			sec:   secidx.Open(s.fs, cs.Dir()),
		}
		s.handles[name] = h
	}
	return h, nil
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, collection.ErrExists):
		return fmt.Errorf("%w: %v", ErrCollectionExists, err)
	case errors.Is(err, collection.ErrMissing):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}

// CreateCollection allocates the on-disk layout for a new collection of
// fixed dimensionality.
func (s *Store) CreateCollection(ctx context.Context, name string, vectorSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", vectorSize)
	}

	h, err := s.handleFor(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = collection.Create(s.fs, s.baseDir, name, vectorSize)
	if err != nil {
		return translateError(err)
	}

	s.logger.WithCollection(name).Info("collection created", "vector_size", vectorSize)
	return nil
}

// BeginIndexing marks the start of a bulk load. Upserts inside the
// bracket defer per-point graph maintenance; EndIndexing performs one
// consistent build instead of N incremental inserts.
func (s *Store) BeginIndexing(name string) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.bulk = true
	h.mu.Unlock()
	return nil
}

// EndIndexing closes a bulk-load bracket: it rebuilds the ANN graph from
// all persisted points in one pass, persists graph and id mapping, and
// invalidates the warm cache so the next query reloads the fresh state.
func (s *Store) EndIndexing(ctx context.Context, name string) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.bulk = false

	meta, err := h.store.Meta()
	if err != nil {
		return translateError(err)
	}

	ids, graph, err := s.buildFromPoints(ctx, h, meta.VectorSize)
	if err != nil {
		return err
	}

	if err := s.persistDerived(h, ids, graph); err != nil {
		return err
	}

	s.registry.Invalidate(name)
	s.logger.WithCollection(name).Info("bulk indexing finished", "points", ids.Len())
	return nil
}

// contentFingerprint feeds the vector and payload into the content hash so
// an unchanged point can be detected without re-embedding.
func contentFingerprint(p model.Point) uint64 {
	buf := make([]byte, 0, len(p.Vector)*4)
	var scratch [4]byte
	for _, f := range p.Vector {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		buf = append(buf, scratch[:]...)
	}
	if len(p.Payload) > 0 {
		if raw, err := json.Marshal(p.Payload); err == nil {
			buf = append(buf, raw...)
		}
	}
	return secidx.HashContent(buf)
}

func payloadPath(p model.Point) string {
	if p.Payload == nil {
		return ""
	}
	path, _ := p.Payload["path"].(string)
	return path
}

// UpsertPoints persists points and updates every derived structure for
// exactly the ids present. With watchMode set the warm in-memory graph is
// mutated in place under the cache entry's write lock and the entry stays
// warm; without it, bulk brackets defer graph work to EndIndexing.
func (s *Store) UpsertPoints(ctx context.Context, name string, points []model.Point, watchMode bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h, err := s.handleFor(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	meta, err := h.store.Meta()
	if err != nil {
		err = translateError(err)
		s.logger.LogUpsert(ctx, name, len(points), watchMode, err)
		return err
	}

	// Validate every vector before the first write; a dimension mismatch
	// must not leave a partial batch behind.
	for _, p := range points {
		if len(p.Vector) != meta.VectorSize {
			err := &ErrDimensionMismatch{Expected: meta.VectorSize, Actual: len(p.Vector)}
			s.logger.LogUpsert(ctx, name, len(points), watchMode, err)
			return err
		}
	}

	entry, err := s.acquire(ctx, name, h, meta)
	if err != nil {
		s.logger.LogUpsert(ctx, name, len(points), watchMode, err)
		return err
	}

	err = entry.Write(func(graph *hnsw.Index, ids *idindex.Index) error {
		// Existing records drive change detection: a point whose content
		// hash is unchanged is not rewritten. A missing or unreadable
		// index treats every point as changed.
		existing, _ := h.sec.ReadAll()

		for _, p := range points {
			idHash := secidx.HashID(p.ID)
			fp := contentFingerprint(p)

			if loc, ok := ids.Lookup(p.ID); ok && int(loc.Row) < len(existing) {
				prev := existing[loc.Row]
				if prev.IDHash == idHash && prev.ContentHash == fp {
					continue
				}
			}

			fileName, err := h.store.WritePoint(p)
			if err != nil {
				return err
			}

			loc, isNew := ids.Assign(p.ID, fileName, payloadPath(p))

			rec := secidx.Record{
				IDHash:      idHash,
				ContentHash: fp,
				Row:         loc.Row,
				Dim:         uint32(meta.VectorSize),
			}
			if isNew {
				if err := h.sec.Append(rec); err != nil {
					return err
				}
			} else {
				if err := h.sec.Update(int(loc.Row), rec); err != nil {
					return err
				}
			}

			if h.bulk && !watchMode {
				continue
			}
			if err := graph.Add(uint32(loc.Row), p.Vector); err != nil {
				return err
			}
		}

		meta.UniqueFileCount = ids.UniquePathCount()
		if err := h.store.SaveMeta(meta); err != nil {
			return err
		}

		if err := ids.Save(filepath.Join(h.store.Dir(), idindex.SnapshotFileName)); err != nil {
			return err
		}
		if h.bulk && !watchMode {
			return nil
		}
		return graph.SaveToFile(filepath.Join(h.store.Dir(), hnsw.FileName))
	})

	s.logger.LogUpsert(ctx, name, len(points), watchMode, err)
	return err
}

// GetIndexedFileCountFast returns the cached distinct-source-file count
// from collection metadata without scanning any point files.
func (s *Store) GetIndexedFileCountFast(name string) (int, error) {
	h, err := s.handleFor(name)
	if err != nil {
		return 0, err
	}
	meta, err := h.store.Meta()
	if err != nil {
		return 0, translateError(err)
	}
	return meta.UniqueFileCount, nil
}

// LoadIDIndex loads the id mapping for a collection: from the persisted
// snapshot when possible, otherwise by scanning the point store.
func (s *Store) LoadIDIndex(ctx context.Context, name string) (*idindex.Index, error) {
	h, err := s.handleFor(name)
	if err != nil {
		return nil, err
	}
	return s.loadIDs(ctx, h)
}

func (s *Store) loadIDs(ctx context.Context, h *handle) (*idindex.Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, err := idindex.Load(filepath.Join(h.store.Dir(), idindex.SnapshotFileName))
	if err != nil {
		s.logger.WithCollection(h.store.Name()).Warn("id index snapshot unreadable, rescanning points", "error", err)
	}
	if ids != nil {
		return ids, nil
	}

	ids = idindex.New()
	err = h.store.ScanPoints(func(fileName string, p model.Point) error {
		ids.Assign(p.ID, fileName, payloadPath(p))
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return ids, nil
}

// buildFromPoints reconstructs the id mapping and a fresh ANN graph from
// the point files, the single context where all derived structures are
// reconciled with ground truth at once.
func (s *Store) buildFromPoints(ctx context.Context, h *handle, vectorSize int) (*idindex.Index, *hnsw.Index, error) {
	if err := s.resources.AcquireBackground(ctx); err != nil {
		return nil, nil, err
	}
	defer s.resources.ReleaseBackground()

	graph, err := s.newGraph(vectorSize)
	if err != nil {
		return nil, nil, err
	}

	ids := idindex.New()
	err = h.store.ScanPoints(func(fileName string, p model.Point) error {
		if err := s.resources.AcquireIO(ctx, len(p.Vector)*4); err != nil {
			return err
		}
		if len(p.Vector) != vectorSize {
			return &ErrDimensionMismatch{Expected: vectorSize, Actual: len(p.Vector)}
		}
		loc, _ := ids.Assign(p.ID, fileName, payloadPath(p))
		return graph.Add(uint32(loc.Row), p.Vector)
	})
	if err != nil {
		return nil, nil, translateError(err)
	}
	return ids, graph, nil
}

// persistDerived writes the id snapshot, secondary index and graph for a
// freshly reconciled collection. Callers hold h.mu.
func (s *Store) persistDerived(h *handle, ids *idindex.Index, graph *hnsw.Index) error {
	recs := make([]secidx.Record, ids.Len())
	var walkErr error
	ids.Walk(func(id string, loc model.Locator) bool {
		if int(loc.Row) >= len(recs) {
			walkErr = &ErrCorruptIndex{Path: h.sec.Path(), Reason: fmt.Sprintf("row %d out of range", loc.Row)}
			return false
		}
		recs[loc.Row] = secidx.Record{
			IDHash: secidx.HashID(id),
			Row:    loc.Row,
			Dim:    uint32(graph.Dimension()),
		}
		// Fingerprints come from the point files, not the graph; graph
		// vectors are normalized and would defeat change detection.
		if p, err := h.store.ReadPoint(loc.File); err == nil {
			recs[loc.Row].ContentHash = contentFingerprint(p)
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	if err := h.sec.Rebuild(recs); err != nil {
		return err
	}
	if err := ids.Save(filepath.Join(h.store.Dir(), idindex.SnapshotFileName)); err != nil {
		return err
	}
	return graph.SaveToFile(filepath.Join(h.store.Dir(), hnsw.FileName))
}

// RebuildFromVectors regenerates the secondary index, the id mapping and
// the ANN graph from the point files, discarding any existing index
// state. This is the recovery path after a crash between a point write
// and its index update.
func (s *Store) RebuildFromVectors(ctx context.Context, name string) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	meta, err := h.store.Meta()
	if err != nil {
		err = translateError(err)
		s.logger.LogRebuild(ctx, name, 0, err)
		return err
	}

	ids, graph, err := s.buildFromPoints(ctx, h, meta.VectorSize)
	if err != nil {
		s.logger.LogRebuild(ctx, name, 0, err)
		return err
	}

	if err := s.persistDerived(h, ids, graph); err != nil {
		s.logger.LogRebuild(ctx, name, ids.Len(), err)
		return err
	}

	meta.UniqueFileCount = ids.UniquePathCount()
	if err := h.store.SaveMeta(meta); err != nil {
		s.logger.LogRebuild(ctx, name, ids.Len(), err)
		return err
	}

	s.registry.Invalidate(name)
	s.logger.LogRebuild(ctx, name, ids.Len(), nil)
	return nil
}

// ClearCollection deletes all point files and derived indexes. The shared
// projection matrix survives unless removeProjectionMatrix is set.
func (s *Store) ClearCollection(name string, removeProjectionMatrix bool) error {
	h, err := s.handleFor(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Clear(removeProjectionMatrix); err != nil {
		return translateError(err)
	}

	s.registry.Drop(name)
	s.logger.WithCollection(name).Info("collection cleared",
		"remove_projection_matrix", removeProjectionMatrix)
	return nil
}

// CacheEntry exposes the daemon-resident entry for a collection to the
// query-serving loop.
func (s *Store) CacheEntry(name string) *daemon.CacheEntry {
	return s.registry.Entry(name)
}

func (s *Store) newGraph(vectorSize int) (*hnsw.Index, error) {
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = vectorSize
		o.M = s.opts.m
		o.EF = s.opts.ef
		o.Metric = s.opts.metric
	})
}

// acquire returns the warm cache entry for a collection, loading the
// graph and id mapping if needed. A missing or corrupt graph file is
// rebuilt from the point files, never surfaced to the caller.
func (s *Store) acquire(ctx context.Context, name string, h *handle, meta collection.Meta) (*daemon.CacheEntry, error) {
	return s.registry.Acquire(ctx, name, func(ctx context.Context) (*hnsw.Index, *idindex.Index, error) {
		ids, err := s.loadIDs(ctx, h)
		if err != nil {
			return nil, nil, err
		}

		graph, err := hnsw.LoadFromFile(filepath.Join(h.store.Dir(), hnsw.FileName), func(o *hnsw.Options) {
			o.Dimension = meta.VectorSize
			o.M = s.opts.m
			o.EF = s.opts.ef
			o.Metric = s.opts.metric
		})
		if err != nil {
			var dimErr *hnsw.ErrDimensionMismatch
			if errors.As(err, &dimErr) {
				return nil, nil, &ErrDimensionMismatch{Expected: dimErr.Expected, Actual: dimErr.Actual}
			}
			if !os.IsNotExist(err) {
				s.logger.WithCollection(name).Warn("ann index unusable, rebuilding from points", "error", err)
			}
			graph, err = s.rebuildGraph(ctx, h, ids, meta.VectorSize)
			if err != nil {
				return nil, nil, err
			}
		}
		return graph, ids, nil
	})
}

func (s *Store) rebuildGraph(ctx context.Context, h *handle, ids *idindex.Index, vectorSize int) (*hnsw.Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	graph, err := s.newGraph(vectorSize)
	if err != nil {
		return nil, err
	}

	var addErr error
	ids.Walk(func(id string, loc model.Locator) bool {
		p, err := h.store.ReadPoint(loc.File)
		if err != nil {
			return true // dangling snapshot entry, skip
		}
		if err := graph.Add(uint32(loc.Row), p.Vector); err != nil {
			addErr = err
			return false
		}
		return true
	})
	if addErr != nil {
		return nil, addErr
	}
	return graph, nil
}
