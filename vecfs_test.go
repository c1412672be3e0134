package vecfs

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecfs/vecfs/collection"
	"github.com/vecfs/vecfs/distance"
	"github.com/vecfs/vecfs/hnsw"
	"github.com/vecfs/vecfs/idindex"
	"github.com/vecfs/vecfs/model"
	"github.com/vecfs/vecfs/secidx"
)

func newTestStore(t *testing.T, optFns ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func makePoints(rng *rand.Rand, n, dim int, prefix string) []model.Point {
	points := make([]model.Point, n)
	for i := range points {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32() + 0.01
		}
		points[i] = model.Point{
			ID:     fmt.Sprintf("%s-%d", prefix, i),
			Vector: v,
			Payload: model.Payload{
				"language": []string{"go", "rust", "python"}[i%3],
				"path":     fmt.Sprintf("src/file%d.go", i%4),
			},
		}
	}
	return points
}

func TestCreateCollection(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCollection(ctx, "repo", 768))

	meta, err := collection.Open(s.fs, dir, "repo").Meta()
	require.NoError(t, err)
	assert.Equal(t, 768, meta.VectorSize)
	assert.Equal(t, 1, meta.IndexVersion)
	assert.Equal(t, "binary_v1", meta.IndexFormat)
	assert.Equal(t, 40, meta.IndexRecordSize)

	err = s.CreateCollection(ctx, "repo", 768)
	require.ErrorIs(t, err, ErrCollectionExists)
}

func TestUpsertWritesAllLayers(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	require.NoError(t, s.CreateCollection(ctx, "repo", 768))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 10, 768, "p"), false))

	// The secondary index holds exactly one 40-byte record per point.
	info, err := os.Stat(filepath.Join(dir, "repo", secidx.FileName))
	require.NoError(t, err)
	assert.Equal(t, int64(10*secidx.RecordSize), info.Size())

	// The id mapping has one entry per live point.
	ids, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 10, ids.Len())

	// Each record resolves back to its id index row.
	recs, err := secidx.Open(s.fs, filepath.Join(dir, "repo")).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 10)
	ids.Walk(func(id string, loc model.Locator) bool {
		rec := recs[loc.Row]
		assert.Equal(t, loc.Row, rec.Row, id)
		assert.Equal(t, secidx.HashID(id), rec.IDHash, id)
		assert.Equal(t, uint32(768), rec.Dim, id)
		return true
	})

	// Point files exist on disk.
	cs := collection.Open(s.fs, dir, "repo")
	count, err := cs.CountPoints()
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestUpsertSameIDsIsIdempotent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	points := makePoints(rng, 5, 8, "p")
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))

	ids, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 5, ids.Len())

	info, err := os.Stat(filepath.Join(dir, "repo", secidx.FileName))
	require.NoError(t, err)
	assert.Equal(t, int64(5*secidx.RecordSize), info.Size())
}

func TestUpsertSkipsUnchangedPoints(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(12))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	points := makePoints(rng, 1, 8, "p")
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))

	// Scribble over the point file. Change detection works off the
	// secondary index records, so an unchanged upsert must not touch it.
	pointPath := filepath.Join(dir, "repo", collection.PointFileName(points[0].ID))
	sentinel := []byte(`{"id":"p-0","vector":[1,0,0,0,0,0,0,0],"payload":{"marker":"sentinel"}}`)
	require.NoError(t, os.WriteFile(pointPath, sentinel, 0644))

	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))
	got, err := os.ReadFile(pointPath)
	require.NoError(t, err)
	assert.Equal(t, sentinel, got, "unchanged point must not be rewritten")

	// A payload change rewrites it.
	points[0].Payload["language"] = "zig"
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))
	got, err = os.ReadFile(pointPath)
	require.NoError(t, err)
	assert.NotEqual(t, sentinel, got)
}

func TestUpsertDimensionMismatch(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCollection(ctx, "repo", 4))

	err := s.UpsertPoints(ctx, "repo", []model.Point{
		{ID: "ok", Vector: []float32{1, 2, 3, 4}},
		{ID: "bad", Vector: []float32{1, 2, 3}},
	}, false)

	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Actual)

	// No partial batch: nothing was written.
	cs := collection.Open(s.fs, dir, "repo")
	count, err := cs.CountPoints()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSearchAgainstFullScanReference(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))

	const dim = 32
	require.NoError(t, s.CreateCollection(ctx, "repo", dim))
	points := makePoints(rng, 200, dim, "p")
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))

	// Reference scoring: normalized dot product, straight off the point
	// data, sorted like the engine sorts.
	query := make([]float32, dim)
	for j := range query {
		query[j] = rng.Float32() + 0.01
	}
	q, ok := distance.NormalizeL2Copy(query)
	require.True(t, ok)

	wantScore := make(map[string]float32, len(points))
	for _, p := range points {
		v, ok := distance.NormalizeL2Copy(p.Vector)
		require.True(t, ok)
		wantScore[p.ID] = distance.Dot(q, v)
	}

	const limit = 10
	results, err := s.Search(ctx, "repo", query, limit, SearchParams{})
	require.NoError(t, err)
	require.Len(t, results, limit)

	// The indexed path must agree with direct scoring to within 1e-6.
	for _, r := range results {
		want, ok := wantScore[r.ID]
		require.True(t, ok, r.ID)
		assert.InDelta(t, want, r.Score, 1e-6, r.ID)
	}

	// Descending score order.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchFiltersAndMinScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(4))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 60, 8, "p"), false))

	query := make([]float32, 8)
	for j := range query {
		query[j] = rng.Float32() + 0.01
	}

	results, err := s.Search(ctx, "repo", query, 10, SearchParams{
		Filter: &FilterConditions{
			Must:    []Condition{{Field: "language", Match: "go"}},
			MustNot: []Condition{{Field: "path", Match: "src/file0.go"}},
		},
		MinScore: 0.1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for _, r := range results {
		assert.Equal(t, "go", r.Payload["language"])
		assert.NotEqual(t, "src/file0.go", r.Payload["path"])
		assert.GreaterOrEqual(t, r.Score, float32(0.1))
	}
}

func TestSearchRejectsZeroQuery(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(13))

	// Indexed path.
	require.NoError(t, s.CreateCollection(ctx, "indexed", 8))
	require.NoError(t, s.UpsertPoints(ctx, "indexed", makePoints(rng, 5, 8, "p"), false))
	_, err := s.Search(ctx, "indexed", make([]float32, 8), 3, SearchParams{})
	require.ErrorIs(t, err, ErrZeroVector)

	// Scan path: an empty collection has no graph to search.
	require.NoError(t, s.CreateCollection(ctx, "empty", 8))
	_, err = s.Search(ctx, "empty", make([]float32, 8), 3, SearchParams{})
	require.ErrorIs(t, err, ErrZeroVector)
}

func TestSearchInvalidLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, "repo", 4))

	_, err := s.Search(ctx, "repo", []float32{1, 0, 0, 0}, 0, SearchParams{})
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestSearchMissingCollection(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Search(context.Background(), "ghost", []float32{1}, 5, SearchParams{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletedIndexFilesDoNotBreakSearch(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 30, 8, "p"), false))

	// Wipe every derived structure; point files remain the ground truth.
	require.NoError(t, os.Remove(filepath.Join(dir, "repo", secidx.FileName)))
	require.NoError(t, os.Remove(filepath.Join(dir, "repo", idindex.SnapshotFileName)))
	require.NoError(t, os.Remove(filepath.Join(dir, "repo", hnsw.FileName)))
	s.registry.Invalidate("repo")

	query := make([]float32, 8)
	for j := range query {
		query[j] = rng.Float32() + 0.01
	}

	results, err := s.Search(ctx, "repo", query, 5, SearchParams{})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestCorruptGraphFileFallsBackToRebuild(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 20, 8, "p"), false))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo", hnsw.FileName), []byte("junk"), 0644))
	s.registry.Invalidate("repo")

	query := make([]float32, 8)
	for j := range query {
		query[j] = rng.Float32() + 0.01
	}

	results, err := s.Search(ctx, "repo", query, 5, SearchParams{})
	require.NoError(t, err, "a corrupt graph file must be treated as absent")
	assert.Len(t, results, 5)
}

func TestRebuildFromVectorsReconciles(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	points := makePoints(rng, 25, 8, "p")
	require.NoError(t, s.UpsertPoints(ctx, "repo", points, false))

	before, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)

	// Corrupt the secondary index and drop the id snapshot, then rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo", secidx.FileName), []byte("xx"), 0644))
	require.NoError(t, os.Remove(filepath.Join(dir, "repo", idindex.SnapshotFileName)))

	require.NoError(t, s.RebuildFromVectors(ctx, "repo"))

	// The rebuilt mapping covers exactly the same ids.
	after, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)
	require.Equal(t, before.Len(), after.Len())
	before.Walk(func(id string, _ model.Locator) bool {
		_, ok := after.Lookup(id)
		assert.True(t, ok, id)
		return true
	})

	// And the secondary index is whole again.
	info, err := os.Stat(filepath.Join(dir, "repo", secidx.FileName))
	require.NoError(t, err)
	assert.Equal(t, int64(25*secidx.RecordSize), info.Size())
}

func TestConcurrentDisjointUpserts(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))

	const workers = 5
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + w)))
			errs[w] = s.UpsertPoints(ctx, "repo", makePoints(rng, perWorker, 8, fmt.Sprintf("w%d", w)), false)
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		require.NoError(t, err, "worker %d", w)
	}

	// One id entry per point, no duplicates.
	ids, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, ids.Len())

	// The secondary index holds exactly one record per point.
	info, err := os.Stat(filepath.Join(dir, "repo", secidx.FileName))
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker*secidx.RecordSize), info.Size())
}

func TestWatchModeUpsertKeepsCacheWarm(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(8))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 5, 8, "p"), false))

	entry := s.CacheEntry("repo")
	require.True(t, entry.Warm())

	// A watch-mode upsert mutates the loaded graph in place.
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 1, 8, "extra"), true))

	assert.True(t, entry.Warm(), "watch mode must not invalidate the cache")
	require.NoError(t, entry.Read(func(graph *hnsw.Index, ids *idindex.Index) error {
		assert.Equal(t, 6, graph.Count())
		assert.Equal(t, 6, ids.Len())
		return nil
	}))
}

func TestBulkIndexingBracket(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.BeginIndexing("repo"))

	for batch := 0; batch < 3; batch++ {
		require.NoError(t, s.UpsertPoints(ctx, "repo",
			makePoints(rng, 10, 8, fmt.Sprintf("b%d", batch)), false))
	}

	require.NoError(t, s.EndIndexing(ctx, "repo"))

	query := make([]float32, 8)
	for j := range query {
		query[j] = rng.Float32() + 0.01
	}
	results, err := s.Search(ctx, "repo", query, 5, SearchParams{})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestIndexedFileCountFast(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(10))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))

	count, err := s.GetIndexedFileCountFast("repo")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// makePoints spreads points over 4 distinct source paths.
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 12, 8, "p"), false))

	count, err = s.GetIndexedFileCountFast("repo")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestClearCollection(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	require.NoError(t, s.CreateCollection(ctx, "repo", 8))
	require.NoError(t, s.UpsertPoints(ctx, "repo", makePoints(rng, 10, 8, "p"), false))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "repo", collection.ProjectionMatrixFileName), []byte("[]"), 0644))

	require.NoError(t, s.ClearCollection("repo", false))

	// Zero point files, zero index entries; counters reset.
	cs := collection.Open(s.fs, dir, "repo")
	count, err := cs.CountPoints()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	ids, err := s.LoadIDIndex(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 0, ids.Len())

	fastCount, err := s.GetIndexedFileCountFast("repo")
	require.NoError(t, err)
	assert.Equal(t, 0, fastCount)

	_, err = os.Stat(filepath.Join(dir, "repo", collection.ProjectionMatrixFileName))
	assert.NoError(t, err, "projection matrix survives by default")
}

func TestStoreClosed(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.CreateCollection(context.Background(), "repo", 8)
	require.ErrorIs(t, err, ErrStoreClosed)
}
