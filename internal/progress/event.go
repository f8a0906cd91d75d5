package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

// Kind identifies which EventSink call produced an Event.
type Kind string

// Supported event kinds.
const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
	KindRecord   Kind = "record"
	KindFinished Kind = "finished"
)

// Event captures a single session event.
type Event struct {
	// SessionID scopes the event to one harvesting session.
	SessionID string `json:"session_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind selects which of the payload fields below is meaningful.
	Kind Kind `json:"kind"`
	// Message and Severity are set for log events.
	Message  string           `json:"message,omitempty"`
	Severity crawler.Severity `json:"severity,omitempty"`
	// Percent is set for progress events.
	Percent int `json:"percent,omitempty"`
	// Record is set for record events.
	Record *crawler.BusinessRecord `json:"record,omitempty"`
	// State is set for finished events.
	State crawler.SessionState `json:"state,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindLog:
		if !e.Severity.Valid() {
			return fmt.Errorf("unknown severity %q", e.Severity)
		}
	case KindProgress:
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %d out of range", e.Percent)
		}
	case KindRecord:
		if e.Record == nil || e.Record.MapLink == "" {
			return errors.New("record event requires a map link")
		}
	case KindFinished:
		if !e.State.Terminal() {
			return fmt.Errorf("finished event requires a terminal state, got %q", e.State)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Critical reports whether the hub must deliver the event even under backpressure.
func (e Event) Critical() bool {
	return e.Kind == KindRecord || e.Kind == KindFinished
}

// Payload returns the kind-specific body sent to stream consumers.
func (e Event) Payload() any {
	switch e.Kind {
	case KindLog:
		return map[string]any{"message": e.Message, "severity": e.Severity, "ts": e.TS}
	case KindProgress:
		return map[string]any{"percent": e.Percent}
	case KindRecord:
		return e.Record
	case KindFinished:
		return map[string]any{"state": e.State}
	default:
		return nil
	}
}
