package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

// Table maps field keys to strategies.
type Table map[string]Strategy

// DefaultTable returns the strategies for the maps place panel.
func DefaultTable() Table {
	const phoneButton = "button[data-item-id^='phone:tel:']"
	const addressButton = "button[data-item-id='address']"
	const ratingSpan = "div.F7nice span[aria-hidden='true']"

	return Table{
		crawler.FieldName: Text("h1"),
		crawler.FieldPhone: Chain(
			Attr(phoneButton, "data-item-id", TrimPrefix("phone:tel:")),
			Attr("button[aria-label*='Phone']", "aria-label", TrimPrefix("Phone:")),
			Attr("button[aria-label*='Telefon']", "aria-label", TrimPrefix("Telefon:")),
			Text(phoneButton+" div.Io6YTe"),
		),
		crawler.FieldWebsite: Chain(
			Attr("a[data-item-id='authority']", "href"),
			Attr("a[aria-label*='Website']", "href"),
			Attr("a[aria-label*='Web sitesi']", "href"),
		),
		crawler.FieldAddress: Chain(
			Attr(addressButton, "aria-label", TrimPrefix("Address:", "Adres:")),
			Text(addressButton+" div.Io6YTe"),
		),
		crawler.FieldRating: Chain(
			Attr(ratingSpan, "aria-label", WithTransform(TransformFirstWord)),
			Text(ratingSpan),
		),
		crawler.FieldReviewCount: Attr(
			"div.F7nice span[aria-label]:not([aria-hidden])", "aria-label",
			WithTransform(TransformDigits),
		),
		crawler.FieldCategory: Text("button[jsaction*='category']"),
	}
}

// Merge returns a copy of t with fields from overrides replacing its own.
func (t Table) Merge(overrides Table) Table {
	out := make(Table, len(t)+len(overrides))
	for field, s := range t {
		out[field] = s
	}
	for field, s := range overrides {
		out[field] = s
	}
	return out
}

// Validate checks every strategy and rejects unknown field keys.
func (t Table) Validate() error {
	known := make(map[string]struct{}, len(crawler.DetailFields))
	for _, f := range crawler.DetailFields {
		known[f] = struct{}{}
	}
	fields := make([]string, 0, len(t))
	for field := range t {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if _, ok := known[field]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidStrategy, field)
		}
		if err := t[field].Validate(); err != nil {
			return fmt.Errorf("field %s: %w", field, err)
		}
	}
	return nil
}

// Extract parses html and evaluates every field. Fields whose strategy
// yields nothing are absent from the result.
func (t Table) Extract(html string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail html: %w", err)
	}
	out := make(map[string]string, len(t))
	for field, s := range t {
		if v, ok := s.Apply(doc.Selection); ok {
			out[field] = v
		}
	}
	return out, nil
}
