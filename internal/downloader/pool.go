// Package downloader streams granted delivery links to local files under
// a bounded concurrency limit.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/usgs_downloader/internal/downloader/progress"
	"github.com/italolelis/usgs_downloader/internal/logctx"
	"github.com/italolelis/usgs_downloader/internal/scene"
	"github.com/italolelis/usgs_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// chunkSize bounds how much of a file is in flight between record
	// updates and cancellation checks.
	chunkSize = 5000 * 1024

	// transferTimeout covers one whole file stream.
	transferTimeout = 10 * time.Minute

	dirPerm = 0755
)

// ErrIncomplete is returned when a stream ends before the full file
// arrived. The partial file is already removed when it surfaces.
var ErrIncomplete = errors.New("transfer ended before the full file arrived")

// Pool runs scene transfers with at most maxParallel running at once.
// Admission is a counting semaphore; queued transfers block their own
// goroutine, not the caller. One transfer owns a scene's record for its
// whole lifetime, so two workers never mutate the same record.
type Pool struct {
	store      *scene.Store
	reporter   progress.Reporter
	tel        *telemetry.Telemetry
	outputDir  string
	httpClient *http.Client

	sem    chan struct{}
	wg     sync.WaitGroup
	active atomic.Int32

	mu         sync.Mutex
	dispatched map[string]bool
	failures   map[string]error
}

// NewPool creates a pool writing into outputDir. A nil telemetry is
// replaced with a disabled one.
func NewPool(store *scene.Store, outputDir string, maxParallel int, reporter progress.Reporter, tel *telemetry.Telemetry) *Pool {
	if maxParallel <= 0 {
		maxParallel = 5
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Pool{
		store:     store,
		reporter:  reporter,
		tel:       tel,
		outputDir: outputDir,
		httpClient: &http.Client{
			Timeout:   transferTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sem:        make(chan struct{}, maxParallel),
		dispatched: make(map[string]bool),
		failures:   make(map[string]error),
	}
}

// Submit dispatches the transfer for a scene that just received a link.
// A scene already dispatched once is ignored, whatever the outcome of
// its first transfer.
func (p *Pool) Submit(ctx context.Context, entityID, url string) {
	p.mu.Lock()
	if p.dispatched[entityID] {
		p.mu.Unlock()

		logctx.LoggerFromContext(ctx).Debug("skipping duplicate dispatch", "entity_id", entityID)

		return
	}

	p.dispatched[entityID] = true
	p.mu.Unlock()

	p.wg.Add(1)

	go p.run(ctx, entityID, url)
}

// Drain blocks until every dispatched transfer reached a terminal state.
// It is independent of cancellation: cancel the submit context first to
// make the wait short.
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Active returns the number of transfers currently streaming. It never
// exceeds the pool's concurrency limit.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Failures returns the transfer error per entity ID, for scenes whose
// transfer started and did not complete. Call after Drain.
func (p *Pool) Failures() map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()

	failures := make(map[string]error, len(p.failures))
	for id, err := range p.failures {
		failures[id] = err
	}

	return failures
}

func (p *Pool) run(ctx context.Context, entityID, url string) {
	defer p.wg.Done()

	logger := logctx.LoggerFromContext(ctx).With("entity_id", entityID)

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.fail(entityID, ctx.Err())

		return
	}

	defer func() { <-p.sem }()

	p.active.Add(1)
	p.tel.IncrementActiveDownloads()

	defer func() {
		p.active.Add(-1)
		p.tel.DecrementActiveDownloads()
	}()

	start := time.Now()

	if err := p.download(ctx, entityID, url); err != nil {
		p.tel.RecordDownload("error", time.Since(start))
		p.fail(entityID, err)

		logger.Error("failed to download scene", "err", err)

		return
	}

	p.tel.RecordDownload("success", time.Since(start))
}

func (p *Pool) fail(entityID string, err error) {
	p.mu.Lock()
	p.failures[entityID] = err
	p.mu.Unlock()
}

func (p *Pool) download(ctx context.Context, entityID, url string) error {
	logger := logctx.LoggerFromContext(ctx).With("entity_id", entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch scene file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected download status: %s", resp.Status)
	}

	filename, err := deliveredFilename(resp)
	if err != nil {
		return err
	}

	localPath := filepath.Join(p.outputDir, filename)

	rec, ok := p.store.Get(entityID)
	if !ok {
		return fmt.Errorf("no record for entity %s", entityID)
	}

	facts := scene.Facts{LocalPath: scene.Ptr(localPath)}
	if !rec.SizeKnown && resp.ContentLength > 0 {
		facts.FileSize = scene.Ptr(resp.ContentLength)
	}

	p.store.Upsert(entityID, facts)
	p.notify(entityID)

	if err := os.MkdirAll(p.outputDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	logger.Info("downloading scene", "target", localPath, "file_size", humanize.Bytes(uint64(max(resp.ContentLength, 0))))

	streamErr := p.stream(ctx, entityID, out, resp.Body)

	if err := out.Close(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("failed to flush target file: %w", err)
	}

	rec, _ = p.store.Get(entityID)

	// A stream that ended cleanly with the size still unknown delivered
	// everything the service had; adopt the byte count as the size.
	if streamErr == nil && !rec.SizeKnown {
		p.store.Upsert(entityID, scene.Facts{FileSize: scene.Ptr(rec.BytesTransferred)})
		rec, _ = p.store.Get(entityID)
	}

	if streamErr != nil || scene.Resolve(rec) != scene.StateComplete {
		if err := os.Remove(localPath); err != nil {
			logger.Error("failed to remove partial file", "target", localPath, "err", err)
		}

		p.store.Upsert(entityID, scene.Facts{LocalPath: scene.Ptr("")})
		p.notify(entityID)

		if streamErr != nil {
			return streamErr
		}

		return ErrIncomplete
	}

	p.notify(entityID)

	logger.Info("downloaded and saved scene", "target", localPath, "bytes", humanize.Bytes(uint64(rec.BytesTransferred)))

	return nil
}

// stream copies the body to out one chunk at a time, updating the record
// after every chunk. Cancellation is honored at chunk boundaries.
func (p *Pool) stream(ctx context.Context, entityID string, out io.Writer, body io.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.CopyN(out, body, chunkSize)
		if n > 0 {
			p.store.AddBytes(entityID, n)
			p.tel.AddDownloadedBytes(n)
			p.notify(entityID)
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to stream scene file: %w", err)
		}
	}
}

func (p *Pool) notify(entityID string) {
	if rec, ok := p.store.Get(entityID); ok {
		p.reporter.Update(rec)
	}
}

// deliveredFilename extracts the filename the service assigned to the
// archive from the Content-Disposition header.
func deliveredFilename(resp *http.Response) (string, error) {
	cd := resp.Header.Get("Content-Disposition")
	if cd == "" {
		return "", errors.New("response carries no Content-Disposition header")
	}

	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return "", fmt.Errorf("failed to parse Content-Disposition: %w", err)
	}

	filename := filepath.Base(params["filename"])
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return "", fmt.Errorf("no usable filename in Content-Disposition %q", cd)
	}

	return filename, nil
}
