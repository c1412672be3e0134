package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecfs/vecfs/hnsw"
	"github.com/vecfs/vecfs/idindex"
)

func testLoader(t *testing.T, loads *atomic.Int32) LoadFunc {
	t.Helper()
	return func(ctx context.Context) (*hnsw.Index, *idindex.Index, error) {
		if loads != nil {
			loads.Add(1)
		}
		graph, err := hnsw.New(func(o *hnsw.Options) { o.Dimension = 2 })
		require.NoError(t, err)
		return graph, idindex.New(), nil
	}
}

func TestEntryStateMachine(t *testing.T) {
	r := NewRegistry()

	e := r.Entry("repo")
	assert.Equal(t, StateEmpty, e.State())

	_, err := r.Acquire(context.Background(), "repo", testLoader(t, nil))
	require.NoError(t, err)
	assert.Equal(t, StateWarm, e.State())

	e.Invalidate()
	assert.Equal(t, StateInvalidated, e.State())

	_, err = r.Acquire(context.Background(), "repo", testLoader(t, nil))
	require.NoError(t, err)
	assert.Equal(t, StateWarm, e.State())
}

func TestAcquireLoadsOnce(t *testing.T) {
	r := NewRegistry()
	var loads atomic.Int32

	_, err := r.Acquire(context.Background(), "repo", testLoader(t, &loads))
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "repo", testLoader(t, &loads))
	require.NoError(t, err)

	assert.Equal(t, int32(1), loads.Load())
}

func TestConcurrentAcquiresShareOneLoad(t *testing.T) {
	r := NewRegistry()
	var loads atomic.Int32

	slowLoader := func(ctx context.Context) (*hnsw.Index, *idindex.Index, error) {
		loads.Add(1)
		time.Sleep(50 * time.Millisecond)
		graph, err := hnsw.New(func(o *hnsw.Options) { o.Dimension = 2 })
		if err != nil {
			return nil, nil, err
		}
		return graph, idindex.New(), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Acquire(context.Background(), "repo", slowLoader)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestLoadErrorLeavesEntryEmpty(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")

	_, err := r.Acquire(context.Background(), "repo", func(context.Context) (*hnsw.Index, *idindex.Index, error) {
		return nil, nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateEmpty, r.Entry("repo").State())
}

func TestWatchWriteKeepsEntryWarm(t *testing.T) {
	r := NewRegistry()

	e, err := r.Acquire(context.Background(), "repo", testLoader(t, nil))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		row := uint32(i)
		require.NoError(t, e.Write(func(graph *hnsw.Index, ids *idindex.Index) error {
			return graph.Add(row, []float32{float32(i + 1), 1})
		}))
	}
	require.True(t, e.Warm())

	// The sixth point lands in place, no invalidation, no reload.
	require.NoError(t, e.Write(func(graph *hnsw.Index, ids *idindex.Index) error {
		require.Equal(t, 5, graph.Count())
		return graph.Add(5, []float32{7, 1})
	}))

	assert.True(t, e.Warm())
	require.NoError(t, e.Read(func(graph *hnsw.Index, ids *idindex.Index) error {
		assert.Equal(t, 6, graph.Count())
		return nil
	}))
}

// A search racing a watch-mode write may block, but it must complete once
// the writer releases, and it must observe a consistent state.
func TestReaderBlocksDuringWriteThenCompletes(t *testing.T) {
	r := NewRegistry()
	e, err := r.Acquire(context.Background(), "repo", testLoader(t, nil))
	require.NoError(t, err)

	writerIn := make(chan struct{})
	writerRelease := make(chan struct{})

	go func() {
		_ = e.Write(func(graph *hnsw.Index, ids *idindex.Index) error {
			close(writerIn)
			<-writerRelease
			return graph.Add(0, []float32{1, 1})
		})
	}()

	<-writerIn

	readDone := make(chan int, 1)
	go func() {
		_ = e.Read(func(graph *hnsw.Index, ids *idindex.Index) error {
			readDone <- graph.Count()
			return nil
		})
	}()

	select {
	case <-readDone:
		t.Fatal("read completed while the write lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(writerRelease)

	select {
	case count := <-readDone:
		assert.Equal(t, 1, count, "read after the write must observe its effect")
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed after the writer released")
	}
}

func TestPerCollectionIsolation(t *testing.T) {
	r := NewRegistry()

	a, err := r.Acquire(context.Background(), "a", testLoader(t, nil))
	require.NoError(t, err)
	b, err := r.Acquire(context.Background(), "b", testLoader(t, nil))
	require.NoError(t, err)

	release := make(chan struct{})
	go func() {
		_ = a.Write(func(*hnsw.Index, *idindex.Index) error {
			<-release
			return nil
		})
	}()

	// A held write lock on one collection must not block another.
	done := make(chan struct{})
	go func() {
		_ = b.Read(func(*hnsw.Index, *idindex.Index) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated collection blocked by another collection's writer")
	}
	close(release)
}

func TestShutdownTearsDownEntries(t *testing.T) {
	r := NewRegistry()
	e, err := r.Acquire(context.Background(), "repo", testLoader(t, nil))
	require.NoError(t, err)
	require.True(t, e.Warm())

	r.Shutdown()
	assert.Equal(t, StateEmpty, e.State())
}
