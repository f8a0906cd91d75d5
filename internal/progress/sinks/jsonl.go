package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// JSONLinesSink writes each record event to w as one JSON object per line.
// The crawl command points it at stdout.
type JSONLinesSink struct {
	mu      sync.Mutex
	enc     *json.Encoder
	written int
}

// NewJSONLinesSink creates a sink writing to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

// Consume encodes the records in batch, in order.
func (s *JSONLinesSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Kind != progress.KindRecord || evt.Record == nil {
			continue
		}
		if err := s.enc.Encode(evt.Record); err != nil {
			return fmt.Errorf("write record %s: %w", evt.Record.MapLink, err)
		}
		s.written++
	}
	return nil
}

// Written returns how many records have been written.
func (s *JSONLinesSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close implements the Sink interface; it performs no action.
func (s *JSONLinesSink) Close(context.Context) error {
	return nil
}
