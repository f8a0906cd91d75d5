package crawler

import (
	"context"
	"time"
)

// EventSink receives the events a session produces. Implementations must be
// safe for concurrent use; detail tasks emit records from their own goroutines.
type EventSink interface {
	Log(message string, severity Severity)
	Progress(percent int)
	Record(record BusinessRecord)
	Finished(state SessionState)
}

// Browser launches browsing sessions. Each session owns its engine instance.
type Browser interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

// BrowserSession drives one browser for the lifetime of a harvesting session.
type BrowserSession interface {
	// OpenSearch navigates the main tab to the search view.
	OpenSearch(ctx context.Context, searchURL string) error
	// DismissConsent clicks through a consent overlay if one is present.
	DismissConsent(ctx context.Context) bool
	// WaitForFeed reports whether the scrollable results container appeared.
	WaitForFeed(ctx context.Context) bool
	// SingleResult returns the current address when the view is a single result page.
	SingleResult(ctx context.Context) (string, bool)
	// FeedLinks returns the result addresses currently rendered in the container.
	FeedLinks(ctx context.Context) ([]string, error)
	// ScrollFeed runs one pagination step.
	ScrollFeed(ctx context.Context) error
	// LoadDetail opens link in an isolated tab and returns its HTML once the
	// primary heading is present. The tab is closed before returning.
	LoadDetail(ctx context.Context, link string) (DetailPage, error)
	// Close releases the browser.
	Close() error
}

// DetailPage is a snapshot of a loaded detail view.
type DetailPage struct {
	URL  string
	HTML string
}

// FieldExtractor reads detail fields out of a page snapshot.
type FieldExtractor interface {
	Extract(html string) (map[string]string, error)
}

// Enricher fetches a business website and summarises it. It never fails;
// errors yield DefaultEnrichment.
type Enricher interface {
	Fetch(ctx context.Context, websiteURL string, timeout time.Duration) EnrichmentResult
}

// RecordRepository persists emitted records per session.
type RecordRepository interface {
	SaveRecord(ctx context.Context, sessionID string, record BusinessRecord) error
	ListRecords(ctx context.Context, sessionID string) ([]BusinessRecord, error)
}

// Publisher pushes records to a downstream topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
