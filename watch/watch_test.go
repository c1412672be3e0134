package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecfs/vecfs/model"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, path string) ([]model.Point, error) {
	e.mu.Lock()
	e.calls = append(e.calls, path)
	n := len(e.calls)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return []model.Point{{
		ID:     fmt.Sprintf("%s#%d", path, n),
		Vector: []float32{1, 0},
	}}, nil
}

func (e *fakeEmbedder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type upsertCall struct {
	collection string
	points     []model.Point
	watchMode  bool
}

type fakeUpserter struct {
	ch chan upsertCall
}

func (u *fakeUpserter) UpsertPoints(_ context.Context, name string, points []model.Point, watchMode bool) error {
	u.ch <- upsertCall{collection: name, points: points, watchMode: watchMode}
	return nil
}

func newTestWatcher(t *testing.T, embedder Embedder, upserter Upserter) *Watcher {
	t.Helper()
	return New(t.TempDir(), "repo", embedder, upserter, func(o *Options) {
		o.Debounce = 20 * time.Millisecond
	})
}

func TestDebounceCoalescesBursts(t *testing.T) {
	embedder := &fakeEmbedder{}
	upserter := &fakeUpserter{ch: make(chan upsertCall, 8)}
	w := newTestWatcher(t, embedder, upserter)

	ctx := context.Background()

	// An editor save fires several events for the same path in quick
	// succession; only one embed should result.
	for i := 0; i < 5; i++ {
		w.schedule(ctx, "main.go")
	}

	select {
	case call := <-upserter.ch:
		assert.Equal(t, "repo", call.collection)
		assert.True(t, call.watchMode)
		assert.Len(t, call.points, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced upsert never arrived")
	}

	// No second embed for the burst.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, embedder.count())
}

func TestDistinctPathsDebounceIndependently(t *testing.T) {
	embedder := &fakeEmbedder{}
	upserter := &fakeUpserter{ch: make(chan upsertCall, 8)}
	w := newTestWatcher(t, embedder, upserter)

	ctx := context.Background()
	w.schedule(ctx, "a.go")
	w.schedule(ctx, "b.go")

	for i := 0; i < 2; i++ {
		select {
		case <-upserter.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("upsert %d never arrived", i)
		}
	}
	assert.Equal(t, 2, embedder.count())
}

func TestEmbedErrorSkipsUpsert(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("parse failed")}
	upserter := &fakeUpserter{ch: make(chan upsertCall, 1)}
	w := newTestWatcher(t, embedder, upserter)

	w.apply(context.Background(), "broken.go")

	require.Equal(t, 1, embedder.count())
	select {
	case call := <-upserter.ch:
		t.Fatalf("unexpected upsert: %+v", call)
	default:
	}
}

func TestRunWatchesNestedDirectories(t *testing.T) {
	embedder := &fakeEmbedder{}
	upserter := &fakeUpserter{ch: make(chan upsertCall, 8)}

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "api"), 0755))

	w := New(root, "repo", embedder, upserter, func(o *Options) {
		o.Debounce = 20 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the watcher register the tree before the first write.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "api", "handler.go"), []byte("package api"), 0644))
	select {
	case call := <-upserter.ch:
		assert.True(t, call.watchMode)
	case <-time.After(5 * time.Second):
		t.Fatal("edit in a nested directory was never applied")
	}

	// Directories created while running are picked up too.
	require.NoError(t, os.Mkdir(filepath.Join(root, "cmd"), 0755))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "cmd", "main.go"), []byte("package main"), 0644))
	select {
	case <-upserter.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("edit in a directory created after start was never applied")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestCanceledContextSkipsApply(t *testing.T) {
	embedder := &fakeEmbedder{}
	upserter := &fakeUpserter{ch: make(chan upsertCall, 1)}
	w := newTestWatcher(t, embedder, upserter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.apply(ctx, "main.go")

	assert.Equal(t, 0, embedder.count())
}
