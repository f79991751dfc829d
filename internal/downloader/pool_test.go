package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/italolelis/usgs_downloader/internal/downloader/progress"
	"github.com/italolelis/usgs_downloader/internal/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(store *scene.Store, outputDir string, maxParallel int) *Pool {
	return NewPool(store, outputDir, maxParallel, progress.NewReporter(progress.ModeSilent, nil), nil)
}

func TestPool_DownloadsSceneToDisk(t *testing.T) {
	const content = "the whole archive"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=SCENE_A.tgz")
		fmt.Fprint(w, content)
	}))
	defer ts.Close()

	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{
		ProductID:   scene.Ptr("p1"),
		FileSize:    scene.Ptr(int64(len(content))),
		DownloadURL: scene.Ptr(ts.URL),
	})

	outputDir := t.TempDir()
	pool := newTestPool(store, outputDir, 1)

	pool.Submit(context.Background(), "A", ts.URL)
	pool.Drain()

	assert.Empty(t, pool.Failures())

	rec, _ := store.Get("A")
	assert.Equal(t, scene.StateComplete, scene.Resolve(rec))
	assert.Equal(t, filepath.Join(outputDir, "SCENE_A.tgz"), rec.LocalPath)

	got, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestPool_DuplicateSubmitIsIgnored(t *testing.T) {
	var requests atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Disposition", "attachment; filename=SCENE_A.tgz")
		fmt.Fprint(w, "archive")
	}))
	defer ts.Close()

	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{ProductID: scene.Ptr("p1"), FileSize: scene.Ptr(int64(len("archive")))})

	pool := newTestPool(store, t.TempDir(), 2)

	pool.Submit(context.Background(), "A", ts.URL)
	pool.Submit(context.Background(), "A", ts.URL)
	pool.Drain()

	assert.Equal(t, int32(1), requests.Load())
}

func TestPool_ShortStreamRemovesPartialFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=SCENE_A.tgz")
		// Far fewer bytes than the record expects.
		fmt.Fprint(w, "stub")
	}))
	defer ts.Close()

	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{ProductID: scene.Ptr("p1"), FileSize: scene.Ptr(int64(1 << 20))})

	outputDir := t.TempDir()
	pool := newTestPool(store, outputDir, 1)

	pool.Submit(context.Background(), "A", ts.URL)
	pool.Drain()

	failures := pool.Failures()
	require.Contains(t, failures, "A")
	assert.ErrorIs(t, failures["A"], ErrIncomplete)

	rec, _ := store.Get("A")
	assert.Empty(t, rec.LocalPath)

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPool_UnknownSizeAdoptsStreamedByteCount(t *testing.T) {
	const content = "sized by the stream"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=SCENE_A.tgz")
		fmt.Fprint(w, content)
	}))
	defer ts.Close()

	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{ProductID: scene.Ptr("p1")})

	pool := newTestPool(store, t.TempDir(), 1)

	pool.Submit(context.Background(), "A", ts.URL)
	pool.Drain()

	assert.Empty(t, pool.Failures())

	rec, _ := store.Get("A")
	assert.True(t, rec.SizeKnown)
	assert.Equal(t, int64(len(content)), rec.FileSize)
	assert.Equal(t, scene.StateComplete, scene.Resolve(rec))
}

func TestPool_MissingContentDispositionFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "nameless archive")
	}))
	defer ts.Close()

	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{ProductID: scene.Ptr("p1"), FileSize: scene.Ptr(int64(16))})

	pool := newTestPool(store, t.TempDir(), 1)

	pool.Submit(context.Background(), "A", ts.URL)
	pool.Drain()

	failures := pool.Failures()
	require.Contains(t, failures, "A")
	assert.ErrorContains(t, failures["A"], "Content-Disposition")
}

func TestPool_CancelledContextFailsPendingTransfers(t *testing.T) {
	store := scene.NewStore([]string{"A"})
	store.Upsert("A", scene.Facts{ProductID: scene.Ptr("p1"), FileSize: scene.Ptr(int64(10))})

	pool := newTestPool(store, t.TempDir(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool.Submit(ctx, "A", "http://unreachable.invalid/SCENE_A")
	pool.Drain()

	failures := pool.Failures()
	require.Contains(t, failures, "A")
	assert.ErrorIs(t, failures["A"], context.Canceled)
}
