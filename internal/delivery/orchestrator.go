// Package delivery drives the end-to-end download sequence: resolve
// options, submit an order, poll for links, dispatch transfers, drain.
package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/usgs_downloader/internal/downloader"
	"github.com/italolelis/usgs_downloader/internal/downloader/progress"
	"github.com/italolelis/usgs_downloader/internal/logctx"
	"github.com/italolelis/usgs_downloader/internal/scene"
	"github.com/italolelis/usgs_downloader/internal/telemetry"
)

// runState is the phase of a whole run, not of a single scene.
type runState int

const (
	runInit runState = iota
	runOptionsResolved
	runOrderSubmitted
	runPolling
	runDraining
	runDone
)

func (s runState) String() string {
	switch s {
	case runInit:
		return "init"
	case runOptionsResolved:
		return "options resolved"
	case runOrderSubmitted:
		return "order submitted"
	case runPolling:
		return "polling"
	case runDraining:
		return "draining"
	case runDone:
		return "done"
	}

	return "unknown"
}

// Extensions the catalog delivers scene archives under; the pre-scan
// only considers these when matching existing local files.
var archiveSuffixes = []string{".tgz", ".tar"}

// Orchestrator runs complete scene downloads against a Catalog. A single
// control goroutine owns ordering and polling; only file transfers run
// in parallel, inside the pool.
type Orchestrator struct {
	catalog      Catalog
	outputDir    string
	maxParallel  int
	pollInterval time.Duration
	reporter     progress.Reporter
	tel          *telemetry.Telemetry

	// MaxPolls bounds the polling loop. Zero polls until every ordered
	// scene either received a link or failed at submission, which can
	// wait forever if the service leaves an entity stuck.
	MaxPolls int

	// Overwrite re-orders scenes whose archive already exists locally
	// instead of marking them already delivered.
	Overwrite bool
}

// NewOrchestrator creates an orchestrator downloading into outputDir
// with at most maxParallel concurrent transfers. A nil reporter silences
// progress output; a nil telemetry disables metrics.
func NewOrchestrator(
	catalog Catalog,
	outputDir string,
	maxParallel int,
	pollInterval time.Duration,
	reporter progress.Reporter,
	tel *telemetry.Telemetry,
) *Orchestrator {
	if reporter == nil {
		reporter = progress.NewReporter(progress.ModeSilent, nil)
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	return &Orchestrator{
		catalog:      catalog,
		outputDir:    outputDir,
		maxParallel:  maxParallel,
		pollInterval: pollInterval,
		reporter:     reporter,
		tel:          tel,
	}
}

// DownloadAll resolves, orders and downloads the given scenes, blocking
// until every dispatched transfer reached a terminal state. The summary
// classifies every requested scene and is returned even when the run is
// cancelled or aborts on a fatal protocol error; in-flight transfers are
// always drained first, so no partial file survives the call.
func (o *Orchestrator) DownloadAll(ctx context.Context, dataset string, entityIDs []string) (*RunSummary, error) {
	logger := logctx.LoggerFromContext(ctx)

	state := runInit
	advance := func(next runState) {
		logger.Debug("run state change", "from", state.String(), "to", next.String())
		state = next
	}

	store := scene.NewStore(entityIDs)

	options, err := o.catalog.FetchDownloadOptions(ctx, dataset, store.EntityIDs())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download options: %w", err)
	}

	for _, opt := range options {
		store.Upsert(opt.EntityID, scene.Facts{
			ProductID: scene.Ptr(opt.ProductID),
			DisplayID: scene.Ptr(opt.DisplayID),
			FileSize:  scene.Ptr(opt.FileSize),
		})
	}

	if !o.Overwrite {
		o.markExisting(ctx, store)
	}

	advance(runOptionsResolved)
	o.reporter.Init(store.Snapshot())

	pending := store.SelectByState(scene.StateLinkPending)

	// transferCtx is what stops the workers; the caller's ctx stops the
	// polling loop directly.
	transferCtx, cancelTransfers := context.WithCancel(ctx)
	defer cancelTransfers()

	pool := downloader.NewPool(store, o.outputDir, o.maxParallel, o.reporter, o.tel)
	failedAtSubmit := make(map[string]struct{})

	var fatal error

	if len(pending) > 0 {
		label := GenerateOrderLabel()
		logger.Info("ordering scenes", "dataset", dataset, "scene_count", len(pending), "label", label)

		fatal = o.orderAndPoll(ctx, transferCtx, store, pool, label, pending, failedAtSubmit, advance)

		advance(runDraining)

		if fatal != nil || ctx.Err() != nil {
			cancelTransfers()
		}

		// The cleanup must run even when the caller's context is gone.
		if err := o.catalog.CancelPendingOrders(context.WithoutCancel(ctx), label); err != nil {
			logger.Error("failed to clean up download order", "label", label, "err", err)
		}
	} else {
		logger.Info("no scenes to order", "dataset", dataset)
		advance(runDraining)
	}

	pool.Drain()
	o.reporter.Close()
	advance(runDone)

	summary := summarize(store, pool.Failures())

	if fatal != nil {
		return summary, fmt.Errorf("run aborted: %w", fatal)
	}

	return summary, ctx.Err()
}

// orderAndPoll submits the order and polls for links until every ordered
// scene either received one or failed at submission. Granted links are
// dispatched to the pool as they appear, de-duplicated by link ID.
func (o *Orchestrator) orderAndPoll(
	ctx, transferCtx context.Context,
	store *scene.Store,
	pool *downloader.Pool,
	label string,
	pending []string,
	failedAtSubmit map[string]struct{},
	advance func(runState),
) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := o.catalog.CancelPendingOrders(ctx, label); err != nil {
		return fmt.Errorf("failed to clear stale orders: %w", err)
	}

	items := make([]DownloadItem, 0, len(pending))

	for _, id := range pending {
		rec, _ := store.Get(id)
		items = append(items, DownloadItem{EntityID: id, ProductID: rec.ProductID})
	}

	failed, err := o.catalog.SubmitOrder(ctx, label, items)
	if err != nil {
		return fmt.Errorf("failed to submit download order: %w", err)
	}

	for _, id := range failed {
		failedAtSubmit[id] = struct{}{}
	}

	if len(failed) > 0 {
		logger.Warn("scenes failed at submission", "entity_ids", failed)
	}

	advance(runOrderSubmitted)
	advance(runPolling)

	seenLinks := make(map[string]struct{})
	granted := make(map[string]struct{})

	for polls := 0; ; polls++ {
		result, err := o.catalog.PollDownloadLinks(ctx, label)
		if err != nil {
			return fmt.Errorf("failed to poll download links: %w", err)
		}

		logger.Debug("polled download links",
			"available", len(result.Available),
			"requested", len(result.Requested),
		)

		for _, link := range result.Available {
			if _, ok := seenLinks[link.LinkID]; ok {
				continue
			}

			seenLinks[link.LinkID] = struct{}{}

			if _, ok := store.Get(link.EntityID); !ok {
				logger.Warn("link for unknown entity", "entity_id", link.EntityID, "link_id", link.LinkID)

				continue
			}

			store.Upsert(link.EntityID, scene.Facts{DownloadURL: scene.Ptr(link.DownloadURL)})

			if rec, ok := store.Get(link.EntityID); ok {
				o.reporter.Update(rec)
			}

			granted[link.EntityID] = struct{}{}
			pool.Submit(transferCtx, link.EntityID, link.DownloadURL)
		}

		if len(granted)+len(failedAtSubmit) >= len(items) {
			return nil
		}

		if o.MaxPolls > 0 && polls+1 >= o.MaxPolls {
			logger.Warn("giving up on pending links", "polls", polls+1, "granted", len(granted), "ordered", len(items))

			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.pollInterval):
		}
	}
}

// markExisting flags scenes whose archive is already in the output
// directory, matched by display ID as the filename up to the first dot.
func (o *Orchestrator) markExisting(ctx context.Context, store *scene.Store) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(o.outputDir)
	if err != nil {
		logger.Debug("output directory not scanned", "dir", o.outputDir, "err", err)

		return
	}

	byDisplayID := make(map[string]string)

	for _, rec := range store.Snapshot() {
		if rec.DisplayID != "" {
			byDisplayID[rec.DisplayID] = rec.EntityID
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || !isArchive(entry.Name()) {
			continue
		}

		displayID, _, _ := strings.Cut(entry.Name(), ".")

		entityID, ok := byDisplayID[displayID]
		if !ok {
			continue
		}

		store.Upsert(entityID, scene.Facts{LocalPath: scene.Ptr(filepath.Join(o.outputDir, entry.Name()))})

		logger.Debug("scene already delivered", "entity_id", entityID, "file", entry.Name())
	}
}

func isArchive(name string) bool {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}

func summarize(store *scene.Store, transferFailures map[string]error) *RunSummary {
	summary := &RunSummary{
		Outcomes: make(map[string]Outcome),
		Failures: transferFailures,
	}

	for _, rec := range store.Snapshot() {
		switch scene.Resolve(rec) {
		case scene.StateUnresolved:
			summary.Outcomes[rec.EntityID] = OutcomeUnmatched
		case scene.StateUnavailable:
			summary.Outcomes[rec.EntityID] = OutcomeUnavailable
		case scene.StateAlreadyDelivered:
			summary.Outcomes[rec.EntityID] = OutcomeAlreadyDelivered
		case scene.StateComplete:
			summary.Outcomes[rec.EntityID] = OutcomeDelivered
		default:
			summary.Outcomes[rec.EntityID] = OutcomeFailed
		}
	}

	return summary
}
