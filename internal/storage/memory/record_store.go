// Package memory provides in-process storage used by default and in tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

// ErrMissingMapLink is returned when saving a record without an identity.
var ErrMissingMapLink = errors.New("record has no map link")

// RecordStore keeps records per session in emission order. Saving a record
// whose map link is already stored for the session replaces it in place.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string][]crawler.BusinessRecord
	index   map[string]map[string]int
}

var _ crawler.RecordRepository = (*RecordStore)(nil)

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string][]crawler.BusinessRecord),
		index:   make(map[string]map[string]int),
	}
}

// SaveRecord stores record under sessionID.
func (s *RecordStore) SaveRecord(_ context.Context, sessionID string, record crawler.BusinessRecord) error {
	if record.MapLink == "" {
		return ErrMissingMapLink
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[sessionID]
	if !ok {
		idx = make(map[string]int)
		s.index[sessionID] = idx
	}
	if pos, seen := idx[record.MapLink]; seen {
		s.records[sessionID][pos] = record
		return nil
	}
	idx[record.MapLink] = len(s.records[sessionID])
	s.records[sessionID] = append(s.records[sessionID], record)
	return nil
}

// ListRecords returns a copy of the records stored for sessionID.
func (s *RecordStore) ListRecords(_ context.Context, sessionID string) ([]crawler.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[sessionID]
	out := make([]crawler.BusinessRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Forget drops everything stored for sessionID.
func (s *RecordStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	delete(s.index, sessionID)
}
