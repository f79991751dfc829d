// Package progress renders the record store's view of a run in one of
// three verbosity modes.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/usgs_downloader/internal/scene"
)

// Reporter observes scene records as they mutate during a run. Workers
// call Update concurrently; implementations must serialize internally.
type Reporter interface {
	// Init is called once, after the store is populated and before any
	// worker is dispatched.
	Init(records []scene.Record)

	// Update is called whenever a record changes.
	Update(record scene.Record)

	// Close is called once, after every transfer reached a terminal state.
	Close()
}

// Mode selects how much progress output a run produces.
type Mode int

const (
	// ModeSilent produces no output.
	ModeSilent Mode = iota
	// ModeAggregate renders a single rolling total for the whole run.
	ModeAggregate
	// ModePerScene renders state transitions and progress per scene.
	ModePerScene
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "silent":
		return ModeSilent, nil
	case "aggregate":
		return ModeAggregate, nil
	case "per-scene":
		return ModePerScene, nil
	}

	return ModeSilent, fmt.Errorf("invalid progress mode: %q", s)
}

// NewReporter builds the reporter for the given mode, writing to out.
func NewReporter(mode Mode, out io.Writer) Reporter {
	switch mode {
	case ModeAggregate:
		return &aggregateReporter{out: out, bytes: make(map[string]int64), done: make(map[string]bool)}
	case ModePerScene:
		return &perSceneReporter{out: out, lastState: make(map[string]scene.State), lastBytes: make(map[string]int64)}
	default:
		return nopReporter{}
	}
}

type nopReporter struct{}

func (nopReporter) Init([]scene.Record) {}
func (nopReporter) Update(scene.Record) {}
func (nopReporter) Close()              {}

// aggregateReporter keeps one rolling line of totals across all scenes.
type aggregateReporter struct {
	out io.Writer

	mu          sync.Mutex
	totalScenes int
	totalBytes  int64
	bytes       map[string]int64
	done        map[string]bool
	doneCount   int
	transferred int64
}

func (r *aggregateReporter) Init(records []scene.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if scene.Resolve(rec) < scene.StateLinkPending {
			continue
		}

		r.totalScenes++
		if rec.SizeKnown {
			r.totalBytes += rec.FileSize
		}
	}

	r.render()
}

func (r *aggregateReporter) Update(rec scene.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.bytes[rec.EntityID]
	r.bytes[rec.EntityID] = rec.BytesTransferred
	r.transferred += rec.BytesTransferred - prev

	if scene.Resolve(rec) == scene.StateComplete && !r.done[rec.EntityID] {
		r.done[rec.EntityID] = true
		r.doneCount++
	}

	r.render()
}

func (r *aggregateReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.render()
	fmt.Fprintln(r.out)
}

func (r *aggregateReporter) render() {
	fmt.Fprintf(r.out, "\rdownloading %d/%d scenes (%s / %s)",
		r.doneCount, r.totalScenes,
		humanize.Bytes(uint64(r.transferred)), humanize.Bytes(uint64(r.totalBytes)))
}

// How many bytes a scene must advance before the per-scene reporter
// prints another progress line for it.
const perSceneInterval = 50 * 1024 * 1024

// perSceneReporter prints one line per state transition and a throttled
// progress line while a scene is streaming.
type perSceneReporter struct {
	out io.Writer

	mu        sync.Mutex
	lastState map[string]scene.State
	lastBytes map[string]int64
}

func (r *perSceneReporter) Init(records []scene.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		state := scene.Resolve(rec)
		r.lastState[rec.EntityID] = state
		fmt.Fprintf(r.out, "%s: %s\n", rec.EntityID, state)
	}
}

func (r *perSceneReporter) Update(rec scene.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := scene.Resolve(rec)

	if prev, ok := r.lastState[rec.EntityID]; !ok || prev != state {
		r.lastState[rec.EntityID] = state
		r.lastBytes[rec.EntityID] = rec.BytesTransferred
		fmt.Fprintf(r.out, "%s: %s%s\n", rec.EntityID, state, r.sizes(rec))

		return
	}

	if state != scene.StateInProgress {
		return
	}

	if rec.BytesTransferred-r.lastBytes[rec.EntityID] < perSceneInterval {
		return
	}

	r.lastBytes[rec.EntityID] = rec.BytesTransferred
	fmt.Fprintf(r.out, "%s: %s%s\n", rec.EntityID, state, r.sizes(rec))
}

func (r *perSceneReporter) Close() {}

func (r *perSceneReporter) sizes(rec scene.Record) string {
	if !rec.SizeKnown || rec.FileSize == 0 {
		return ""
	}

	return fmt.Sprintf(" (%s / %s, %s%%)",
		humanize.Bytes(uint64(rec.BytesTransferred)),
		humanize.Bytes(uint64(rec.FileSize)),
		humanize.FtoaWithDigits(float64(rec.BytesTransferred)*100/float64(rec.FileSize), 1))
}
