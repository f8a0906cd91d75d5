package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Sentinel values used for fields that could not be extracted.
const (
	NotFound    = "not found"
	Unspecified = "unspecified"
)

// Field keys understood by the detail extractor.
const (
	FieldName        = "name"
	FieldPhone       = "phone"
	FieldWebsite     = "website"
	FieldAddress     = "address"
	FieldRating      = "rating"
	FieldReviewCount = "reviewCount"
	FieldCategory    = "category"
)

// DetailFields lists the extracted fields in their canonical order.
var DetailFields = []string{
	FieldName,
	FieldPhone,
	FieldWebsite,
	FieldAddress,
	FieldRating,
	FieldReviewCount,
	FieldCategory,
}

// SearchRequest captures one harvesting request. It is immutable once a
// session starts.
type SearchRequest struct {
	Location              string  `json:"location"`
	Keyword               string  `json:"keyword"`
	MaxResults            int     `json:"max_results"`
	PerSiteTimeoutSeconds float64 `json:"per_site_timeout_seconds"`
	EnrichmentEnabled     bool    `json:"enrichment_enabled"`
}

// Validate checks the request fields.
func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.Location) == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidRequest)
	}
	if r.MaxResults <= 0 {
		return fmt.Errorf("%w: max_results must be positive", ErrInvalidRequest)
	}
	if r.PerSiteTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: per_site_timeout_seconds must be positive", ErrInvalidRequest)
	}
	return nil
}

// PerSiteTimeout returns the enrichment timeout as a duration.
func (r SearchRequest) PerSiteTimeout() time.Duration {
	return time.Duration(r.PerSiteTimeoutSeconds * float64(time.Second))
}

// BusinessRecord is the structured output for one processed result.
type BusinessRecord struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Phone       string `json:"phone"`
	Website     string `json:"website"`
	Rating      string `json:"rating"`
	ReviewCount string `json:"review_count"`
	Address     string `json:"address"`
	MapLink     string `json:"map_link"`
	Email       string `json:"email"`
	LinkedIn    string `json:"linkedin"`
	Description string `json:"description"`
}

// NewBusinessRecord returns a record for mapLink with every other field set
// to its sentinel.
func NewBusinessRecord(mapLink string) BusinessRecord {
	return BusinessRecord{
		Name:        NotFound,
		Category:    NotFound,
		Phone:       NotFound,
		Website:     NotFound,
		Rating:      NotFound,
		ReviewCount: NotFound,
		Address:     NotFound,
		MapLink:     mapLink,
		Email:       NotFound,
		LinkedIn:    NotFound,
		Description: Unspecified,
	}
}

// Set assigns a field by key. Empty values leave the sentinel in place.
func (r *BusinessRecord) Set(field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch field {
	case FieldName:
		r.Name = value
	case FieldPhone:
		r.Phone = value
	case FieldWebsite:
		r.Website = value
	case FieldAddress:
		r.Address = value
	case FieldRating:
		r.Rating = value
	case FieldReviewCount:
		r.ReviewCount = value
	case FieldCategory:
		r.Category = value
	}
}

// HasWebsite reports whether a website was extracted.
func (r BusinessRecord) HasWebsite() bool {
	return r.Website != "" && r.Website != NotFound
}

// Merge folds an enrichment result into the record. Detected categories are
// appended to the extracted category rather than replacing it.
func (r *BusinessRecord) Merge(res EnrichmentResult) {
	r.Email = valueOr(res.Email, NotFound)
	r.LinkedIn = valueOr(res.LinkedIn, NotFound)
	r.Description = valueOr(res.Description, Unspecified)
	if len(res.Categories) == 0 {
		return
	}
	tags := strings.Join(res.Categories, ", ")
	if r.Category == NotFound || r.Category == "" {
		r.Category = tags
		return
	}
	r.Category = r.Category + ", " + tags
}

// EnrichmentResult is the best-effort summary recovered from a business website.
type EnrichmentResult struct {
	Email       string   `json:"email"`
	LinkedIn    string   `json:"linkedin"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
}

// DefaultEnrichment returns the all-sentinel enrichment result.
func DefaultEnrichment() EnrichmentResult {
	return EnrichmentResult{
		Email:       NotFound,
		LinkedIn:    NotFound,
		Description: Unspecified,
		Categories:  []string{},
	}
}

// Severity classifies engine log events.
type Severity string

// Severity values carried by log events.
const (
	SeverityInfo    Severity = "INFO"
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarn    Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarn, SeverityError:
		return true
	default:
		return false
	}
}

// SessionState represents the lifecycle state of a harvesting session.
type SessionState string

// Session states.
const (
	StateIdle      SessionState = "idle"
	StateRunning   SessionState = "running"
	StateCompleted SessionState = "completed"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether the state is final.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// SkipReason explains why a detail task produced no record.
type SkipReason string

// Skip reasons reported by detail tasks.
const (
	SkipCancelled  SkipReason = "cancelled"
	SkipNoHeading  SkipReason = "no_heading"
	SkipNavigation SkipReason = "navigation"
	SkipExtraction SkipReason = "extraction"
	SkipPanic      SkipReason = "panic"
)

// TaskResult is the outcome of one detail task: either a record or a skip.
type TaskResult struct {
	Link   string
	Record *BusinessRecord
	Skip   SkipReason
	Err    error
}

// Skipped reports whether the task yielded no record.
func (r TaskResult) Skipped() bool {
	return r.Record == nil
}

// Outcome summarises a finished session.
type Outcome struct {
	State     SessionState
	Scheduled int
	Records   int
	Skipped   map[SkipReason]int
	Err       error
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
