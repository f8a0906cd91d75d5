// Package enrich crawls a business's own website for contact details,
// a short description and category hints.
package enrich

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/metrics"
	"github.com/JakeFAU/localbiz-harvester/internal/policy/ratelimit"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config controls enrichment fetches.
type Config struct {
	UserAgent        string
	MaxRedirects     int
	InsecureTLS      bool
	MaxBodyBytes     int
	MaxTimeout       time.Duration
	SampleChars      int
	DescriptionChars int
	Categories       []Category
	RateLimit        ratelimit.Config
}

// Fetcher implements crawler.Enricher on top of a Colly collector.
type Fetcher struct {
	cfg           Config
	analyzer      Analyzer
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ crawler.Enricher = (*Fetcher)(nil)

var errTooManyRedirects = errors.New("too many redirects")

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 3
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
	)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(newHTTPTransport(cfg.InsecureTLS))
	// Per-fetch deadlines come from the request context; this is the ceiling.
	c.SetRequestTimeout(cfg.MaxTimeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		// via holds every request made so far, so the Nth redirect sees N entries.
		if len(via) > maxRedirects {
			return errTooManyRedirects
		}
		return nil
	})

	return &Fetcher{
		cfg: cfg,
		analyzer: Analyzer{
			Categories:       cfg.Categories,
			SampleChars:      cfg.SampleChars,
			DescriptionChars: cfg.DescriptionChars,
		},
		limiter:       ratelimit.New(cfg.RateLimit),
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves websiteURL within timeout and analyses the page. Any
// failure yields crawler.DefaultEnrichment.
func (f *Fetcher) Fetch(ctx context.Context, websiteURL string, timeout time.Duration) crawler.EnrichmentResult {
	target, ok := NormalizeURL(websiteURL)
	if !ok {
		return crawler.DefaultEnrichment()
	}
	if timeout <= 0 || timeout > f.cfg.MaxTimeout {
		timeout = f.cfg.MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := f.fetch(ctx, target)
	if err != nil {
		metrics.ObserveEnrichment(target, "error", 0)
		f.logger.Debug("enrichment fetch failed",
			zap.String("url", target),
			zap.Error(fmt.Errorf("%w: %w", crawler.ErrEnrichment, err)))
		return crawler.DefaultEnrichment()
	}
	metrics.ObserveEnrichment(target, "success", len(body))
	return f.analyzer.Analyze(body)
}

type visitResult struct {
	body []byte
	err  error
}

func (f *Fetcher) fetch(ctx context.Context, target string) ([]byte, error) {
	if err := f.limiter.Wait(ctx, target); err != nil {
		return nil, err
	}

	collector := f.baseCollector.Clone()
	collector.Context = ctx

	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan visitResult, 1)
	go func() {
		err := collector.Visit(target)
		if err == nil {
			err = fetchErr
		}
		done <- visitResult{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("visit %s: %w", target, res.err)
		}
		if len(res.body) == 0 {
			return nil, fmt.Errorf("visit %s: empty body", target)
		}
		return res.body, nil
	}
}

// NormalizeURL unwraps search-provider redirect links and prefixes a scheme
// when missing. It reports false for values that cannot be fetched.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == crawler.NotFound {
		return "", false
	}
	if u, err := url.Parse(raw); err == nil && strings.Contains(u.Host, "google.") && u.Path == "/url" {
		if q := u.Query().Get("q"); q != "" {
			raw = q
		}
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return u.String(), true
}

func newHTTPTransport(insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Small business sites often serve broken chains.
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
