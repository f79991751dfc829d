package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu             sync.Mutex
	options        []OptionRecord
	optionsErr     error
	submitFailed   []string
	submitErr      error
	pollResponses  [][]LinkRecord
	pollErr        error
	pollCalls      int
	cancelCalls    int
	submittedItems []DownloadItem
}

func (f *fakeCatalog) FetchDownloadOptions(context.Context, string, []string) ([]OptionRecord, error) {
	return f.options, f.optionsErr
}

func (f *fakeCatalog) CancelPendingOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelCalls++

	return nil
}

func (f *fakeCatalog) SubmitOrder(_ context.Context, _ string, items []DownloadItem) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submittedItems = items

	return f.submitFailed, f.submitErr
}

func (f *fakeCatalog) PollDownloadLinks(context.Context, string) (*RetrieveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pollErr != nil {
		return nil, f.pollErr
	}

	if len(f.pollResponses) == 0 {
		return &RetrieveResult{}, nil
	}

	idx := f.pollCalls
	f.pollCalls++

	if idx >= len(f.pollResponses) {
		idx = len(f.pollResponses) - 1
	}

	return &RetrieveResult{Available: f.pollResponses[idx]}, nil
}

// newFileServer serves each display ID as an archive named after it.
func newFileServer(files map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[path.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tgz", path.Base(r.URL.Path)))
		fmt.Fprint(w, content)
	}))
}

func TestDownloadAll_DeliversResolvedScenes(t *testing.T) {
	files := map[string]string{"SCENE_A": "alpha archive", "SCENE_B": "bravo archive"}

	ts := newFileServer(files)
	defer ts.Close()

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: int64(len(files["SCENE_A"]))},
			{EntityID: "B", ProductID: "p2", DisplayID: "SCENE_B", FileSize: int64(len(files["SCENE_B"]))},
			{EntityID: "D", ProductID: "p4", DisplayID: "SCENE_D", FileSize: 0},
		},
		pollResponses: [][]LinkRecord{{
			{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"},
			{LinkID: "2", EntityID: "B", DownloadURL: ts.URL + "/SCENE_B"},
		}},
	}

	outputDir := t.TempDir()
	orch := NewOrchestrator(catalog, outputDir, 2, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A", "B", "C", "D"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, summary.Outcomes["A"])
	assert.Equal(t, OutcomeDelivered, summary.Outcomes["B"])
	assert.Equal(t, OutcomeUnmatched, summary.Outcomes["C"])
	assert.Equal(t, OutcomeUnavailable, summary.Outcomes["D"])

	// Only the resolvable scenes end up in the order.
	require.Len(t, catalog.submittedItems, 2)
	assert.Equal(t, "p1", catalog.submittedItems[0].ProductID)

	content, err := os.ReadFile(filepath.Join(outputDir, "SCENE_A.tgz"))
	require.NoError(t, err)
	assert.Equal(t, files["SCENE_A"], string(content))

	// Once to clear stale orders, once to clean up after the run.
	assert.Equal(t, 2, catalog.cancelCalls)
}

func TestDownloadAll_SkipsExistingArchives(t *testing.T) {
	files := map[string]string{"SCENE_B": "bravo archive"}

	ts := newFileServer(files)
	defer ts.Close()

	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "SCENE_A.tgz"), []byte("already here"), 0644))

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: 12},
			{EntityID: "B", ProductID: "p2", DisplayID: "SCENE_B", FileSize: int64(len(files["SCENE_B"]))},
		},
		pollResponses: [][]LinkRecord{{
			{LinkID: "2", EntityID: "B", DownloadURL: ts.URL + "/SCENE_B"},
		}},
	}

	orch := NewOrchestrator(catalog, outputDir, 2, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyDelivered, summary.Outcomes["A"])
	assert.Equal(t, OutcomeDelivered, summary.Outcomes["B"])

	require.Len(t, catalog.submittedItems, 1)
	assert.Equal(t, "B", catalog.submittedItems[0].EntityID)
}

func TestDownloadAll_OverwriteReordersExistingArchives(t *testing.T) {
	files := map[string]string{"SCENE_A": "fresh copy"}

	ts := newFileServer(files)
	defer ts.Close()

	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "SCENE_A.tgz"), []byte("stale copy"), 0644))

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: int64(len(files["SCENE_A"]))},
		},
		pollResponses: [][]LinkRecord{{
			{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"},
		}},
	}

	orch := NewOrchestrator(catalog, outputDir, 1, time.Millisecond, nil, nil)
	orch.Overwrite = true

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, summary.Outcomes["A"])

	content, err := os.ReadFile(filepath.Join(outputDir, "SCENE_A.tgz"))
	require.NoError(t, err)
	assert.Equal(t, "fresh copy", string(content))
}

func TestDownloadAll_DuplicateLinkDispatchesOnce(t *testing.T) {
	var sceneARequests atomic.Int32

	files := map[string]string{"SCENE_A": "alpha archive", "SCENE_B": "bravo archive"}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if name == "SCENE_A" {
			sceneARequests.Add(1)
		}

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tgz", name))
		fmt.Fprint(w, files[name])
	}))
	defer ts.Close()

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: int64(len(files["SCENE_A"]))},
			{EntityID: "B", ProductID: "p2", DisplayID: "SCENE_B", FileSize: int64(len(files["SCENE_B"]))},
		},
		// The link for A repeats on the second poll; it must not be
		// dispatched again.
		pollResponses: [][]LinkRecord{
			{{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"}},
			{
				{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"},
				{LinkID: "2", EntityID: "B", DownloadURL: ts.URL + "/SCENE_B"},
			},
		},
	}

	orch := NewOrchestrator(catalog, t.TempDir(), 2, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, summary.Outcomes["A"])
	assert.Equal(t, OutcomeDelivered, summary.Outcomes["B"])
	assert.Equal(t, int32(1), sceneARequests.Load())
}

func TestDownloadAll_RespectsConcurrencyLimit(t *testing.T) {
	const maxParallel = 2

	var current, peak atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := current.Add(1)
		defer current.Add(-1)

		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}

		time.Sleep(30 * time.Millisecond)

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tgz", path.Base(r.URL.Path)))
		fmt.Fprint(w, "archive")
	}))
	defer ts.Close()

	const scenes = 6

	var (
		options []OptionRecord
		links   []LinkRecord
		ids     []string
	)

	for i := 0; i < scenes; i++ {
		id := fmt.Sprintf("E%d", i)
		display := fmt.Sprintf("SCENE_%d", i)

		ids = append(ids, id)
		options = append(options, OptionRecord{EntityID: id, ProductID: "p" + id, DisplayID: display, FileSize: int64(len("archive"))})
		links = append(links, LinkRecord{LinkID: id, EntityID: id, DownloadURL: ts.URL + "/" + display})
	}

	catalog := &fakeCatalog{options: options, pollResponses: [][]LinkRecord{links}}

	orch := NewOrchestrator(catalog, t.TempDir(), maxParallel, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", ids)
	require.NoError(t, err)

	assert.Equal(t, scenes, summary.Count(OutcomeDelivered))
	assert.LessOrEqual(t, peak.Load(), int32(maxParallel))
}

func TestDownloadAll_CancellationLeavesNoPartialFile(t *testing.T) {
	started := make(chan struct{})

	var once sync.Once

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=SCENE_A.tgz")
		fmt.Fprint(w, "partial bytes")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		once.Do(func() { close(started) })

		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer ts.Close()

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: 1 << 20},
		},
		pollResponses: [][]LinkRecord{{
			{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"},
		}},
	}

	outputDir := t.TempDir()
	orch := NewOrchestrator(catalog, outputDir, 1, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	summary, err := orch.DownloadAll(ctx, "declassii", []string{"A"})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, OutcomeFailed, summary.Outcomes["A"])
	assert.Contains(t, summary.Failures, "A")

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled transfers must not leave partial files")
}

func TestDownloadAll_SubmissionFailuresAreReported(t *testing.T) {
	files := map[string]string{"SCENE_A": "alpha archive"}

	ts := newFileServer(files)
	defer ts.Close()

	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: int64(len(files["SCENE_A"]))},
			{EntityID: "B", ProductID: "p2", DisplayID: "SCENE_B", FileSize: 50},
		},
		submitFailed: []string{"B"},
		pollResponses: [][]LinkRecord{{
			{LinkID: "1", EntityID: "A", DownloadURL: ts.URL + "/SCENE_A"},
		}},
	}

	orch := NewOrchestrator(catalog, t.TempDir(), 2, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A", "B"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, summary.Outcomes["A"])
	assert.Equal(t, OutcomeFailed, summary.Outcomes["B"])
}

func TestDownloadAll_MaxPollsGivesUp(t *testing.T) {
	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: 50},
		},
		// Links never arrive.
		pollResponses: [][]LinkRecord{{}},
	}

	orch := NewOrchestrator(catalog, t.TempDir(), 1, time.Millisecond, nil, nil)
	orch.MaxPolls = 3

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, summary.Outcomes["A"])
	assert.Equal(t, 3, catalog.pollCalls)
}

func TestDownloadAll_FatalOptionError(t *testing.T) {
	catalog := &fakeCatalog{
		optionsErr: &InvalidDatasetError{Dataset: "nope", Message: "no such dataset"},
	}

	orch := NewOrchestrator(catalog, t.TempDir(), 1, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "nope", []string{"A"})
	require.Error(t, err)
	assert.Nil(t, summary)

	var datasetErr *InvalidDatasetError
	assert.True(t, errors.As(err, &datasetErr))
}

func TestDownloadAll_FatalPollErrorStillSummarizes(t *testing.T) {
	catalog := &fakeCatalog{
		options: []OptionRecord{
			{EntityID: "A", ProductID: "p1", DisplayID: "SCENE_A", FileSize: 50},
		},
		pollErr: &APIError{Code: "SERVER_ERROR", Message: "boom"},
	}

	orch := NewOrchestrator(catalog, t.TempDir(), 1, time.Millisecond, nil, nil)

	summary, err := orch.DownloadAll(context.Background(), "declassii", []string{"A"})
	require.Error(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, OutcomeFailed, summary.Outcomes["A"])
	// The cleanup still runs after a fatal poll error.
	assert.Equal(t, 2, catalog.cancelCalls)
}
