package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/metrics"
	"github.com/JakeFAU/localbiz-harvester/internal/policy/concurrency"
)

var tracer = otel.Tracer("github.com/JakeFAU/localbiz-harvester/internal/crawler")

// DefaultSearchBaseURL is the maps search endpoint the location and keyword are appended to.
const DefaultSearchBaseURL = "https://www.google.com/maps/search/"

// ControllerConfig tunes the discovery loop.
type ControllerConfig struct {
	SearchBaseURL string
	Concurrency   int
	StallLimit    int
	ProgressCap   int
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.SearchBaseURL == "" {
		c.SearchBaseURL = DefaultSearchBaseURL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = concurrency.DefaultSize
	}
	if c.StallLimit <= 0 {
		c.StallLimit = 5
	}
	if c.ProgressCap <= 0 || c.ProgressCap > 100 {
		c.ProgressCap = 95
	}
	return c
}

// Controller runs harvesting sessions: it opens the search view, discovers
// result links by scrolling, and schedules detail extraction for each new link.
type Controller struct {
	browser   Browser
	extractor *DetailExtractor
	cfg       ControllerConfig
	logger    *zap.Logger
}

// NewController constructs a Controller.
func NewController(browser Browser, extractor *DetailExtractor, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		browser:   browser,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// SearchURL builds the search view address for req.
func (c *Controller) SearchURL(req SearchRequest) string {
	return c.cfg.SearchBaseURL + url.PathEscape(req.Location) + "+" + url.PathEscape(req.Keyword)
}

// session holds the mutable state of one Run.
type session struct {
	ctx     context.Context
	req     SearchRequest
	token   *CancellationToken
	sink    EventSink
	page    BrowserSession
	limiter *concurrency.Limiter
	seen    map[string]struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	records int
	skipped map[SkipReason]int
}

// Run executes one session to completion. It always emits exactly one
// Finished event, after every scheduled task has settled and the browser has
// been released. Cancelling token stops scheduling; tasks already running
// finish on their own timeouts.
func (c *Controller) Run(ctx context.Context, req SearchRequest, token *CancellationToken, sink EventSink) Outcome {
	ctx, span := tracer.Start(ctx, "crawler.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("location", req.Location),
			attribute.String("keyword", req.Keyword),
			attribute.Int("max_results", req.MaxResults),
		),
	)
	defer span.End()

	sink.Log(fmt.Sprintf("Starting search for %q in %q", req.Keyword, req.Location), SeverityInfo)

	page, err := c.browser.NewSession(ctx)
	if err != nil {
		return c.abort(sink, fmt.Errorf("%w: start browser: %w", ErrSession, err), "Browser could not be started")
	}

	s := &session{
		ctx:     ctx,
		req:     req,
		token:   token,
		sink:    sink,
		page:    page,
		limiter: concurrency.New(c.cfg.Concurrency),
		seen:    make(map[string]struct{}),
		logger:  c.logger,
		skipped: make(map[SkipReason]int),
	}

	if err := page.OpenSearch(ctx, c.SearchURL(req)); err != nil {
		c.release(page)
		return c.abort(sink, fmt.Errorf("%w: open search view: %w", ErrSession, err), "Search page could not be reached")
	}
	if page.DismissConsent(ctx) {
		sink.Log("Consent dialog dismissed", SeverityInfo)
	}

	var loopErr error
	if page.WaitForFeed(ctx) {
		loopErr = c.discover(s)
	} else if link, ok := page.SingleResult(ctx); ok {
		sink.Log("Single result page detected", SeverityInfo)
		c.schedule(s, link)
	} else {
		loopErr = ErrNoResults
		sink.Log("Result list could not be loaded", SeverityError)
	}

	if !errors.Is(loopErr, ErrNoResults) {
		sink.Log("Discovery finished, waiting for remaining details...", SeveritySuccess)
	}
	s.limiter.Wait()
	c.release(page)

	out := s.outcome()
	switch {
	case loopErr != nil:
		out.State = StateFailed
		out.Err = loopErr
	case token.Cancelled() || ctx.Err() != nil:
		out.State = StateCancelled
	default:
		out.State = StateCompleted
	}
	if out.State != StateFailed {
		sink.Progress(100)
	}
	span.SetAttributes(attribute.String("state", string(out.State)), attribute.Int("records", out.Records))
	c.logger.Info("session finished",
		zap.String("state", string(out.State)),
		zap.Int("scheduled", out.Scheduled),
		zap.Int("records", out.Records),
		zap.Error(out.Err))
	sink.Finished(out.State)
	return out
}

// discover is the scroll pagination loop. It returns a non-nil error only
// when reading the result list fails.
func (c *Controller) discover(s *session) error {
	maxResults := s.req.MaxResults
	stalls := 0
	for len(s.seen) < maxResults {
		if s.token.Cancelled() || s.ctx.Err() != nil {
			s.sink.Log("Stop requested, no new results will be scheduled", SeverityWarn)
			return nil
		}

		links, err := s.page.FeedLinks(s.ctx)
		if err != nil {
			s.sink.Log(fmt.Sprintf("Discovery aborted: %v", err), SeverityError)
			return fmt.Errorf("read result list: %w", err)
		}

		added := 0
		for _, link := range links {
			if len(s.seen) >= maxResults || s.token.Cancelled() {
				break
			}
			if _, dup := s.seen[link]; dup || link == "" {
				continue
			}
			c.schedule(s, link)
			added++
		}

		s.sink.Progress(c.progress(len(s.seen), maxResults))
		s.sink.Log(fmt.Sprintf("Collected %d / %d", len(s.seen), maxResults), SeverityInfo)
		if len(s.seen) >= maxResults {
			return nil
		}

		if err := s.page.ScrollFeed(s.ctx); err != nil {
			s.sink.Log(fmt.Sprintf("Scroll failed: %v", err), SeverityWarn)
			c.logger.Debug("scroll failed", zap.Error(fmt.Errorf("%w: %w", ErrScroll, err)))
		}

		if added > 0 {
			stalls = 0
			continue
		}
		stalls++
		if stalls >= c.cfg.StallLimit {
			s.sink.Log("No new results, end of list reached", SeverityWarn)
			return nil
		}
		s.sink.Log(fmt.Sprintf("Loading more results... (%d/%d)", stalls, c.cfg.StallLimit), SeverityInfo)
	}
	return nil
}

func (c *Controller) schedule(s *session, link string) {
	s.seen[link] = struct{}{}
	s.limiter.Submit(func() {
		if s.token.Cancelled() {
			s.settle(TaskResult{Link: link, Skip: SkipCancelled})
			return
		}
		s.settle(c.extractor.Extract(s.ctx, s.page, link, s.req))
	})
}

func (s *session) settle(res TaskResult) {
	metrics.ObserveDetailTask(res.outcome())
	if res.Record != nil {
		s.sink.Record(*res.Record)
		s.mu.Lock()
		s.records++
		s.mu.Unlock()
		return
	}
	s.logger.Debug("detail task skipped",
		zap.String("link", res.Link),
		zap.String("reason", string(res.Skip)),
		zap.Error(res.Err))
	s.mu.Lock()
	s.skipped[res.Skip]++
	s.mu.Unlock()
}

func (s *session) outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := make(map[SkipReason]int, len(s.skipped))
	for k, v := range s.skipped {
		skipped[k] = v
	}
	return Outcome{Scheduled: len(s.seen), Records: s.records, Skipped: skipped}
}

func (c *Controller) progress(seen, maxResults int) int {
	pct := int(math.Round(float64(seen) / float64(maxResults) * 100))
	return min(pct, c.cfg.ProgressCap)
}

func (c *Controller) abort(sink EventSink, err error, message string) Outcome {
	c.logger.Error("session aborted", zap.Error(err))
	sink.Log(fmt.Sprintf("%s: %v", message, err), SeverityError)
	sink.Finished(StateFailed)
	return Outcome{State: StateFailed, Skipped: map[SkipReason]int{}, Err: err}
}

func (c *Controller) release(page BrowserSession) {
	if err := page.Close(); err != nil {
		c.logger.Warn("browser close failed", zap.Error(err))
	}
}
