package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DetailExtractor turns one discovered link into a BusinessRecord.
type DetailExtractor struct {
	fields   FieldExtractor
	enricher Enricher
	logger   *zap.Logger
}

// NewDetailExtractor wires the field table and the optional enricher.
func NewDetailExtractor(fields FieldExtractor, enricher Enricher, logger *zap.Logger) *DetailExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailExtractor{fields: fields, enricher: enricher, logger: logger}
}

// Extract loads link through page, reads every field and, when requested,
// merges the website enrichment. It never panics and never returns an error
// to the caller; failures are reported as a skip reason.
func (d *DetailExtractor) Extract(ctx context.Context, page BrowserSession, link string, req SearchRequest) (result TaskResult) {
	ctx, span := tracer.Start(ctx, "crawler.detail", trace.WithAttributes(attribute.String("link", link)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = TaskResult{Link: link, Skip: SkipPanic, Err: fmt.Errorf("detail task panic: %v", r)}
		}
		if result.Err != nil {
			span.SetStatus(codes.Error, result.Err.Error())
		}
		span.SetAttributes(attribute.String("outcome", result.outcome()))
	}()

	snapshot, err := page.LoadDetail(ctx, link)
	switch {
	case errors.Is(err, ErrNoPrimaryHeading):
		return TaskResult{Link: link, Skip: SkipNoHeading}
	case err != nil:
		return TaskResult{Link: link, Skip: SkipNavigation, Err: fmt.Errorf("%w: %w", ErrNavigation, err)}
	}

	values, err := d.fields.Extract(snapshot.HTML)
	if err != nil {
		return TaskResult{Link: link, Skip: SkipExtraction, Err: err}
	}
	rec := NewBusinessRecord(link)
	for field, v := range values {
		rec.Set(field, v)
	}

	if req.EnrichmentEnabled && d.enricher != nil && rec.HasWebsite() {
		rec.Merge(d.enricher.Fetch(ctx, rec.Website, req.PerSiteTimeout()))
	}
	return TaskResult{Link: link, Record: &rec}
}

func (r TaskResult) outcome() string {
	if r.Record != nil {
		return "record"
	}
	return string(r.Skip)
}
