package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractFillsSentinelsForMissingFields(t *testing.T) {
	t.Parallel()

	page := &fakePage{}
	d := NewDetailExtractor(nameFields{}, nil, nil)
	res := d.Extract(context.Background(), page, "acme", istanbulRequest(1))

	require.False(t, res.Skipped())
	rec := *res.Record
	require.Equal(t, "acme", rec.Name)
	require.Equal(t, "https://acme", rec.Website)
	require.Equal(t, "acme", rec.MapLink)
	require.Equal(t, NotFound, rec.Phone)
	require.Equal(t, NotFound, rec.Address)
	require.Equal(t, NotFound, rec.Rating)
	require.Equal(t, NotFound, rec.ReviewCount)
	require.Equal(t, NotFound, rec.Category)
	require.Equal(t, NotFound, rec.Email)
	require.Equal(t, NotFound, rec.LinkedIn)
	require.Equal(t, Unspecified, rec.Description)
}

func TestExtractMergesEnrichmentWhenEnabled(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{res: EnrichmentResult{
		Email:       "hi@acme.io",
		LinkedIn:    "https://linkedin.com/company/acme",
		Description: "Acme builds things...",
		Categories:  []string{"Software/App", "Digital Agency"},
	}}
	d := NewDetailExtractor(nameFields{}, enricher, nil)

	req := istanbulRequest(1)
	res := d.Extract(context.Background(), &fakePage{}, "acme", req)
	require.Equal(t, NotFound, res.Record.Email)
	require.Zero(t, enricher.calls.Load())

	req.EnrichmentEnabled = true
	res = d.Extract(context.Background(), &fakePage{}, "acme", req)
	require.Equal(t, int32(1), enricher.calls.Load())
	require.Equal(t, "hi@acme.io", res.Record.Email)
	require.Equal(t, "https://linkedin.com/company/acme", res.Record.LinkedIn)
	require.Equal(t, "Acme builds things...", res.Record.Description)
	require.Equal(t, "Software/App, Digital Agency", res.Record.Category)
}

func TestExtractEnrichmentTimeoutKeepsWebsite(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{delay: time.Hour, res: EnrichmentResult{Email: "never@acme.io"}}
	d := NewDetailExtractor(nameFields{}, enricher, nil)
	req := istanbulRequest(1)
	req.EnrichmentEnabled = true
	req.PerSiteTimeoutSeconds = 0.02

	res := d.Extract(context.Background(), &fakePage{}, "acme", req)
	require.Equal(t, "https://acme", res.Record.Website)
	require.Equal(t, NotFound, res.Record.Email)
	require.Equal(t, NotFound, res.Record.LinkedIn)
	require.Equal(t, Unspecified, res.Record.Description)
}

type noWebsiteFields struct{}

func (noWebsiteFields) Extract(string) (map[string]string, error) {
	return map[string]string{FieldName: "Kiosk", FieldCategory: "Shop"}, nil
}

func TestExtractSkipsEnrichmentWithoutWebsite(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{}
	d := NewDetailExtractor(noWebsiteFields{}, enricher, nil)
	req := istanbulRequest(1)
	req.EnrichmentEnabled = true

	res := d.Extract(context.Background(), &fakePage{}, "kiosk", req)
	require.Equal(t, "Shop", res.Record.Category)
	require.Zero(t, enricher.calls.Load())
}

func TestExtractSkipReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(context.Context, string) (DetailPage, error)
		want SkipReason
	}{
		{"no heading", func(context.Context, string) (DetailPage, error) { return DetailPage{}, ErrNoPrimaryHeading }, SkipNoHeading},
		{"navigation", func(context.Context, string) (DetailPage, error) { return DetailPage{}, context.DeadlineExceeded }, SkipNavigation},
		{"panic", func(context.Context, string) (DetailPage, error) { panic("boom") }, SkipPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewDetailExtractor(nameFields{}, nil, nil)
			res := d.Extract(context.Background(), &fakePage{detailFn: tt.fn}, "x", istanbulRequest(1))
			require.True(t, res.Skipped())
			require.Equal(t, tt.want, res.Skip)
			require.Equal(t, "x", res.Link)
		})
	}

	d := NewDetailExtractor(nameFields{}, nil, nil)
	res := d.Extract(context.Background(), &fakePage{
		detailFn: func(context.Context, string) (DetailPage, error) { return DetailPage{}, context.DeadlineExceeded },
	}, "x", istanbulRequest(1))
	require.ErrorIs(t, res.Err, ErrNavigation)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
