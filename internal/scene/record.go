package scene

import (
	"sort"
	"sync"
)

// Record holds the observed facts about one requested scene. Everything
// else, including its delivery state, is derived from these fields.
type Record struct {
	EntityID         string
	ProductID        string // empty until the catalog resolves the scene
	DisplayID        string // human readable name, used to spot pre-existing files
	FileSize         int64
	SizeKnown        bool   // distinguishes "size 0" from "size unknown"
	DownloadURL      string // set once a delivery link is granted
	LocalPath        string // set when a local file is confirmed
	BytesTransferred int64
}

// Facts is a partial update merged into a record. Nil fields are left
// untouched; a non-nil pointer to the zero value clears the field.
type Facts struct {
	ProductID        *string
	DisplayID        *string
	FileSize         *int64
	DownloadURL      *string
	LocalPath        *string
	BytesTransferred *int64
}

// Store is an in-memory table of scene records keyed by entity ID.
// Different workers mutate different records concurrently; a single
// mutex serializes access since mutations are small field merges.
// Records live for the duration of one run and are never persisted.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewStore creates a record for every entity ID, collapsing duplicates.
func NewStore(entityIDs []string) *Store {
	s := &Store{records: make(map[string]*Record, len(entityIDs))}

	for _, id := range entityIDs {
		if _, ok := s.records[id]; ok {
			continue
		}

		s.records[id] = &Record{EntityID: id}
		s.order = append(s.order, id)
	}

	return s
}

// Upsert merges the given facts into the record for entityID, creating
// the record if it does not exist yet. BytesTransferred is clamped to
// FileSize once the size is known.
func (s *Store) Upsert(entityID string, f Facts) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[entityID]
	if !ok {
		r = &Record{EntityID: entityID}
		s.records[entityID] = r
		s.order = append(s.order, entityID)
	}

	if f.ProductID != nil {
		r.ProductID = *f.ProductID
	}

	if f.DisplayID != nil {
		r.DisplayID = *f.DisplayID
	}

	if f.FileSize != nil {
		r.FileSize = *f.FileSize
		r.SizeKnown = true
	}

	if f.DownloadURL != nil {
		r.DownloadURL = *f.DownloadURL
	}

	if f.LocalPath != nil {
		r.LocalPath = *f.LocalPath
	}

	if f.BytesTransferred != nil {
		r.BytesTransferred = *f.BytesTransferred
	}

	if r.SizeKnown && r.BytesTransferred > r.FileSize {
		r.BytesTransferred = r.FileSize
	}
}

// AddBytes increments BytesTransferred for entityID and returns the new
// total, clamped to the known file size.
func (s *Store) AddBytes(entityID string, n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[entityID]
	if !ok {
		return 0
	}

	r.BytesTransferred += n
	if r.SizeKnown && r.BytesTransferred > r.FileSize {
		r.BytesTransferred = r.FileSize
	}

	return r.BytesTransferred
}

// Get returns a snapshot of the record for entityID.
func (s *Store) Get(entityID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[entityID]
	if !ok {
		return Record{}, false
	}

	return *r, true
}

// EntityIDs returns all entity IDs in insertion order.
func (s *Store) EntityIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)

	return ids
}

// Snapshot returns a copy of every record, sorted by entity ID for
// deterministic reporting.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, *r)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].EntityID < records[j].EntityID })

	return records
}

// DeriveStates resolves the current state of every record.
func (s *Store) DeriveStates() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]State, len(s.records))
	for id, r := range s.records {
		states[id] = Resolve(*r)
	}

	return states
}

// SelectByState returns the entity IDs currently in the given state, in
// insertion order.
func (s *Store) SelectByState(state State) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string

	for _, id := range s.order {
		if Resolve(*s.records[id]) == state {
			ids = append(ids, id)
		}
	}

	return ids
}

// Ptr returns a pointer to v, for building Facts literals.
func Ptr[T any](v T) *T { return &v }
