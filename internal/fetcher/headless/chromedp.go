// Package headless drives a Chrome instance through chromedp for the maps
// search view and its place detail pages.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

// DefaultUserAgent is used when Config.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config controls browser launch and page interaction.
type Config struct {
	ExecPath     string
	Headless     bool
	NoSandbox    bool
	UserAgent    string
	Lang         string
	WindowWidth  int
	WindowHeight int

	SearchTimeout  time.Duration
	FeedTimeout    time.Duration
	DetailTimeout  time.Duration
	HeadingTimeout time.Duration

	ConsentSelectors     []string
	ConsentPause         time.Duration
	FeedSelector         string
	SingleResultSelector string
	PlaceLinkPattern     string
	HeadingSelector      string
	BlockedResourceTypes []string

	WheelDelta  float64
	WheelPause  time.Duration
	SettlePause time.Duration
}

// DefaultConfig returns the settings tuned for the maps search view.
func DefaultConfig() Config {
	return Config{
		Headless:     true,
		NoSandbox:    true,
		UserAgent:    DefaultUserAgent,
		Lang:         "en-US",
		WindowWidth:  1400,
		WindowHeight: 900,

		SearchTimeout:  60 * time.Second,
		FeedTimeout:    10 * time.Second,
		DetailTimeout:  20 * time.Second,
		HeadingTimeout: 5 * time.Second,

		ConsentSelectors: []string{
			"button[aria-label*='Kabul et']",
			"button[aria-label*='Accept all']",
			"form[action*='consent'] button",
		},
		ConsentPause:         2 * time.Second,
		FeedSelector:         "div[role='feed']",
		SingleResultSelector: "h1.DUwDvf",
		PlaceLinkPattern:     "/maps/place/",
		HeadingSelector:      "h1",
		BlockedResourceTypes: []string{"Image", "Media", "Font", "Stylesheet", "Other"},

		WheelDelta:  2000,
		WheelPause:  time.Second,
		SettlePause: 2 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig. Booleans are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Lang == "" {
		c.Lang = d.Lang
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = d.WindowWidth, d.WindowHeight
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = d.FeedTimeout
	}
	if c.DetailTimeout <= 0 {
		c.DetailTimeout = d.DetailTimeout
	}
	if c.HeadingTimeout <= 0 {
		c.HeadingTimeout = d.HeadingTimeout
	}
	if c.ConsentSelectors == nil {
		c.ConsentSelectors = d.ConsentSelectors
	}
	if c.ConsentPause < 0 {
		c.ConsentPause = 0
	}
	if c.FeedSelector == "" {
		c.FeedSelector = d.FeedSelector
	}
	if c.SingleResultSelector == "" {
		c.SingleResultSelector = d.SingleResultSelector
	}
	if c.PlaceLinkPattern == "" {
		c.PlaceLinkPattern = d.PlaceLinkPattern
	}
	if c.HeadingSelector == "" {
		c.HeadingSelector = d.HeadingSelector
	}
	if c.BlockedResourceTypes == nil {
		c.BlockedResourceTypes = d.BlockedResourceTypes
	}
	if c.WheelDelta <= 0 {
		c.WheelDelta = d.WheelDelta
	}
	return c
}

// Browser launches one Chrome process per harvesting session.
type Browser struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.Browser = (*Browser)(nil)

// NewChromedp creates a Browser backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg.withDefaults(), logger: logger}
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", b.cfg.Lang),
		chromedp.WindowSize(b.cfg.WindowWidth, b.cfg.WindowHeight),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

// NewSession starts Chrome and prepares the main tab. The browser lives until
// Close or until ctx is cancelled.
func (b *Browser) NewSession(ctx context.Context) (crawler.BrowserSession, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
	)

	// The first Run launches Chrome under the context it gets, so it must not
	// carry a timeout.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	setupCtx, cancel := context.WithTimeout(browserCtx, b.cfg.SearchTimeout)
	defer cancel()
	if err := chromedp.Run(setupCtx, b.setupAction()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("prepare main tab: %w", err)
	}

	blocked := make(map[network.ResourceType]bool, len(b.cfg.BlockedResourceTypes))
	for _, t := range b.cfg.BlockedResourceTypes {
		blocked[network.ResourceType(t)] = true
	}
	return &Session{
		cfg:         b.cfg,
		logger:      b.logger,
		browserCtx:  browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		blocked:     blocked,
	}, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).WithAcceptLanguage(b.cfg.Lang).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(b.cfg.WindowWidth), int64(b.cfg.WindowHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// Session is one running Chrome. The main tab holds the search view; detail
// pages open in their own tabs.
type Session struct {
	cfg         Config
	logger      *zap.Logger
	browserCtx  context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	blocked     map[network.ResourceType]bool
	closeOnce   sync.Once
}

var _ crawler.BrowserSession = (*Session)(nil)

// run executes actions on the main tab, bounded by timeout and by ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// OpenSearch navigates the main tab to searchURL.
func (s *Session) OpenSearch(ctx context.Context, searchURL string) error {
	if err := s.run(ctx, s.cfg.SearchTimeout, chromedp.Navigate(searchURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", searchURL, err)
	}
	return nil
}

// DismissConsent clicks the first consent button present and waits for the
// overlay to go away.
func (s *Session) DismissConsent(ctx context.Context) bool {
	var clicked bool
	if err := s.run(ctx, s.cfg.FeedTimeout, chromedp.Evaluate(consentScript(s.cfg.ConsentSelectors), &clicked)); err != nil {
		s.logger.Debug("consent check failed", zap.Error(err))
		return false
	}
	if clicked {
		_ = sleep(ctx, s.cfg.ConsentPause)
	}
	return clicked
}

// WaitForFeed reports whether the results container became visible in time.
func (s *Session) WaitForFeed(ctx context.Context) bool {
	err := s.run(ctx, s.cfg.FeedTimeout, chromedp.WaitVisible(s.cfg.FeedSelector, chromedp.ByQuery))
	if err != nil {
		s.logger.Debug("result feed not found", zap.Error(err))
	}
	return err == nil
}

// SingleResult reports the current address when the search resolved to a single place.
func (s *Session) SingleResult(ctx context.Context) (string, bool) {
	var (
		present bool
		current string
	)
	err := s.run(ctx, s.cfg.FeedTimeout,
		chromedp.Evaluate(existsScript(s.cfg.SingleResultSelector), &present),
		chromedp.Location(&current),
	)
	if err != nil || !present || current == "" {
		return "", false
	}
	return current, true
}

// FeedLinks returns the place links currently rendered inside the feed.
func (s *Session) FeedLinks(ctx context.Context) ([]string, error) {
	var links []string
	if err := s.run(ctx, s.cfg.FeedTimeout, chromedp.Evaluate(linksScript(s.cfg.FeedSelector, s.cfg.PlaceLinkPattern), &links)); err != nil {
		return nil, fmt.Errorf("read feed links: %w", err)
	}
	return links, nil
}

type point struct {
	OK bool    `json:"ok"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// ScrollFeed hovers the feed, wheels it twice, then jumps to its end. The
// pauses give the page time to lazy-load the next batch.
func (s *Session) ScrollFeed(ctx context.Context) error {
	budget := 2*s.cfg.WheelPause + s.cfg.SettlePause + s.cfg.FeedTimeout
	var center point
	return s.run(ctx, budget,
		chromedp.Evaluate(centerScript(s.cfg.FeedSelector), &center),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !center.OK {
				return errors.New("result feed is gone")
			}
			if err := chromedp.MouseEvent(input.MouseMoved, center.X, center.Y).Do(ctx); err != nil {
				return fmt.Errorf("hover feed: %w", err)
			}
			for i := 0; i < 2; i++ {
				if err := input.DispatchMouseEvent(input.MouseWheel, center.X, center.Y).
					WithDeltaX(0).
					WithDeltaY(s.cfg.WheelDelta).
					Do(ctx); err != nil {
					return fmt.Errorf("wheel feed: %w", err)
				}
				if err := sleep(ctx, s.cfg.WheelPause); err != nil {
					return err
				}
			}
			return nil
		}),
		chromedp.Evaluate(scrollToEndScript(s.cfg.FeedSelector), nil),
		chromedp.Sleep(s.cfg.SettlePause),
	)
}

// LoadDetail opens link in a fresh tab with heavy resources blocked and
// returns the page HTML once the heading is present.
func (s *Session) LoadDetail(ctx context.Context, link string) (crawler.DetailPage, error) {
	tabCtx, closeTab := chromedp.NewContext(s.browserCtx)
	defer closeTab()
	stop := forwardCancel(ctx, closeTab)
	defer stop()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if paused, ok := ev.(*fetch.EventRequestPaused); ok {
			go s.filterRequest(tabCtx, paused)
		}
	})

	navCtx, cancelNav := context.WithTimeout(tabCtx, s.cfg.DetailTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx,
		fetch.Enable(),
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return crawler.DetailPage{}, fmt.Errorf("load %s: %w", link, err)
	}

	headCtx, cancelHead := context.WithTimeout(tabCtx, s.cfg.HeadingTimeout)
	defer cancelHead()
	if err := chromedp.Run(headCtx, chromedp.WaitReady(s.cfg.HeadingSelector, chromedp.ByQuery)); err != nil {
		if tabCtx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return crawler.DetailPage{}, crawler.ErrNoPrimaryHeading
		}
		return crawler.DetailPage{}, fmt.Errorf("wait heading: %w", err)
	}

	var page crawler.DetailPage
	if err := chromedp.Run(navCtx,
		chromedp.Location(&page.URL),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	); err != nil {
		return crawler.DetailPage{}, fmt.Errorf("snapshot %s: %w", link, err)
	}
	return page, nil
}

func (s *Session) filterRequest(tabCtx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)
	var err error
	if s.blocked[ev.ResourceType] {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
	}
	if err != nil && tabCtx.Err() == nil {
		s.logger.Debug("request filter failed", zap.String("type", string(ev.ResourceType)), zap.Error(err))
	}
}

// Close shuts Chrome down. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.browserCtx)
		s.cancel()
		s.allocCancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// forwardCancel cancels the chromedp context when parent is done. The
// returned func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jsString(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func consentScript(selectors []string) string {
	return fmt.Sprintf(`(() => {
	for (const sel of %s) {
		const el = document.querySelector(sel);
		if (el) { el.click(); return true; }
	}
	return false;
})()`, jsString(selectors))
}

func existsScript(selector string) string {
	return fmt.Sprintf(`!!document.querySelector(%s)`, jsString(selector))
}

func linksScript(feedSelector, pattern string) string {
	return fmt.Sprintf(`(() => {
	const feed = document.querySelector(%s);
	if (!feed) return [];
	return Array.from(feed.querySelectorAll('a[href]'))
		.map(a => a.href)
		.filter(h => h && h.includes(%s));
})()`, jsString(feedSelector), jsString(pattern))
}

func centerScript(feedSelector string) string {
	return fmt.Sprintf(`(() => {
	const feed = document.querySelector(%s);
	if (!feed) return {ok: false, x: 0, y: 0};
	const r = feed.getBoundingClientRect();
	return {ok: true, x: r.x + r.width / 2, y: r.y + r.height / 2};
})()`, jsString(feedSelector))
}

func scrollToEndScript(feedSelector string) string {
	return fmt.Sprintf(`(() => {
	const feed = document.querySelector(%s);
	if (feed) feed.scrollTop = feed.scrollHeight;
	return !!feed;
})()`, jsString(feedSelector))
}
