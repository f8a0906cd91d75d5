// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/enrich"
	"github.com/JakeFAU/localbiz-harvester/internal/extract"
	"github.com/JakeFAU/localbiz-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/localbiz-harvester/internal/policy/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	MaxSessions    int           `mapstructure:"max_sessions"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig configures the Chrome instance each session launches.
type BrowserConfig struct {
	Headless             bool          `mapstructure:"headless"`
	NoSandbox            bool          `mapstructure:"no_sandbox"`
	ExecPath             string        `mapstructure:"exec_path"`
	UserAgent            string        `mapstructure:"user_agent"`
	Lang                 string        `mapstructure:"lang"`
	WindowWidth          int           `mapstructure:"window_width"`
	WindowHeight         int           `mapstructure:"window_height"`
	SearchTimeout        time.Duration `mapstructure:"search_timeout"`
	FeedTimeout          time.Duration `mapstructure:"feed_timeout"`
	DetailTimeout        time.Duration `mapstructure:"detail_timeout"`
	HeadingTimeout       time.Duration `mapstructure:"heading_timeout"`
	BlockedResourceTypes []string      `mapstructure:"blocked_resource_types"`
	ConsentSelectors     []string      `mapstructure:"consent_selectors"`
	ConsentPause         time.Duration `mapstructure:"consent_pause"`
	WheelDelta           float64       `mapstructure:"wheel_delta"`
	WheelPause           time.Duration `mapstructure:"wheel_pause"`
	SettlePause          time.Duration `mapstructure:"settle_pause"`
}

// CrawlConfig governs the discovery loop and request defaults.
type CrawlConfig struct {
	SearchBaseURL                string  `mapstructure:"search_base_url"`
	Concurrency                  int     `mapstructure:"concurrency"`
	StallLimit                   int     `mapstructure:"stall_limit"`
	ProgressCap                  int     `mapstructure:"progress_cap"`
	DefaultMaxResults            int     `mapstructure:"default_max_results"`
	DefaultPerSiteTimeoutSeconds float64 `mapstructure:"default_per_site_timeout_seconds"`
	DefaultEnrichment            bool    `mapstructure:"default_enrichment"`
}

// EnrichConfig configures website enrichment fetches.
type EnrichConfig struct {
	UserAgent        string            `mapstructure:"user_agent"`
	MaxRedirects     int               `mapstructure:"max_redirects"`
	InsecureTLS      bool              `mapstructure:"insecure_tls"`
	SampleChars      int               `mapstructure:"sample_chars"`
	DescriptionChars int               `mapstructure:"description_chars"`
	MaxBodyBytes     int               `mapstructure:"max_body_bytes"`
	MaxTimeout       time.Duration     `mapstructure:"max_timeout"`
	DomainRPS        float64           `mapstructure:"domain_rps"`
	DomainBurst      int               `mapstructure:"domain_burst"`
	Categories       []enrich.Category `mapstructure:"categories"`
}

// ExtractConfig overrides entries of the detail field table.
type ExtractConfig struct {
	Fields map[string]extract.Strategy `mapstructure:"fields"`
}

// ProgressConfig tunes the event hub and the SSE stream.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	ReplayLimit    int           `mapstructure:"replay_limit"`
	FinishedKept   int           `mapstructure:"finished_kept"`
}

// DatabaseConfig controls the optional Postgres record store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RecordsTable    string        `mapstructure:"records_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds the optional record topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Extract.Fields = canonicalFields(cfg.Extract.Fields)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	b := headless.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_grace", 60*time.Second)
	v.SetDefault("server.max_sessions", 4)
	v.SetDefault("logging.development", false)

	v.SetDefault("browser.headless", b.Headless)
	v.SetDefault("browser.no_sandbox", b.NoSandbox)
	v.SetDefault("browser.user_agent", b.UserAgent)
	v.SetDefault("browser.lang", b.Lang)
	v.SetDefault("browser.window_width", b.WindowWidth)
	v.SetDefault("browser.window_height", b.WindowHeight)
	v.SetDefault("browser.search_timeout", b.SearchTimeout)
	v.SetDefault("browser.feed_timeout", b.FeedTimeout)
	v.SetDefault("browser.detail_timeout", b.DetailTimeout)
	v.SetDefault("browser.heading_timeout", b.HeadingTimeout)
	v.SetDefault("browser.blocked_resource_types", b.BlockedResourceTypes)
	v.SetDefault("browser.consent_selectors", b.ConsentSelectors)
	v.SetDefault("browser.consent_pause", b.ConsentPause)
	v.SetDefault("browser.wheel_delta", b.WheelDelta)
	v.SetDefault("browser.wheel_pause", b.WheelPause)
	v.SetDefault("browser.settle_pause", b.SettlePause)

	v.SetDefault("crawl.search_base_url", crawler.DefaultSearchBaseURL)
	v.SetDefault("crawl.concurrency", 5)
	v.SetDefault("crawl.stall_limit", 5)
	v.SetDefault("crawl.progress_cap", 95)
	v.SetDefault("crawl.default_max_results", 100)
	v.SetDefault("crawl.default_per_site_timeout_seconds", 15)
	v.SetDefault("crawl.default_enrichment", true)

	v.SetDefault("enrich.user_agent", enrich.DefaultUserAgent)
	v.SetDefault("enrich.max_redirects", 3)
	v.SetDefault("enrich.insecure_tls", true)
	v.SetDefault("enrich.sample_chars", 5000)
	v.SetDefault("enrich.description_chars", 150)
	v.SetDefault("enrich.max_body_bytes", 5<<20)
	v.SetDefault("enrich.max_timeout", 60*time.Second)
	v.SetDefault("enrich.domain_rps", 2)
	v.SetDefault("enrich.domain_burst", 2)

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 100*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.replay_limit", 1000)
	v.SetDefault("progress.finished_kept", 512)

	v.SetDefault("database.records_table", "business_records")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "localbiz-harvester")
}

// canonicalFields restores the casing of field keys; viper lowercases map keys.
func canonicalFields(fields map[string]extract.Strategy) map[string]extract.Strategy {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]extract.Strategy, len(fields))
	for key, s := range fields {
		name := key
		for _, f := range crawler.DetailFields {
			if strings.EqualFold(f, key) {
				name = f
				break
			}
		}
		out[name] = s
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.Concurrency <= 0 {
		return errors.New("crawl.concurrency must be > 0")
	}
	if c.Crawl.StallLimit <= 0 {
		return errors.New("crawl.stall_limit must be > 0")
	}
	if c.Crawl.ProgressCap <= 0 || c.Crawl.ProgressCap > 100 {
		return errors.New("crawl.progress_cap must be within 1..100")
	}
	if c.Crawl.DefaultMaxResults <= 0 {
		return errors.New("crawl.default_max_results must be > 0")
	}
	if c.Crawl.DefaultPerSiteTimeoutSeconds <= 0 {
		return errors.New("crawl.default_per_site_timeout_seconds must be > 0")
	}
	if c.Enrich.MaxRedirects < 0 {
		return errors.New("enrich.max_redirects must be >= 0")
	}
	for i, cat := range c.Enrich.Categories {
		if cat.Label == "" || len(cat.Keywords) == 0 {
			return fmt.Errorf("enrich.categories[%d] needs a label and keywords", i)
		}
	}
	if err := c.ExtractTable().Validate(); err != nil {
		return fmt.Errorf("extract.fields: %w", err)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return errors.New("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// ExtractTable returns the default field table with configured overrides applied.
func (c Config) ExtractTable() extract.Table {
	return extract.DefaultTable().Merge(c.Extract.Fields)
}

// HeadlessConfig maps the browser section onto the chromedp driver settings.
func (c Config) HeadlessConfig() headless.Config {
	b := c.Browser
	return headless.Config{
		ExecPath:             b.ExecPath,
		Headless:             b.Headless,
		NoSandbox:            b.NoSandbox,
		UserAgent:            b.UserAgent,
		Lang:                 b.Lang,
		WindowWidth:          b.WindowWidth,
		WindowHeight:         b.WindowHeight,
		SearchTimeout:        b.SearchTimeout,
		FeedTimeout:          b.FeedTimeout,
		DetailTimeout:        b.DetailTimeout,
		HeadingTimeout:       b.HeadingTimeout,
		ConsentSelectors:     b.ConsentSelectors,
		ConsentPause:         b.ConsentPause,
		BlockedResourceTypes: b.BlockedResourceTypes,
		WheelDelta:           b.WheelDelta,
		WheelPause:           b.WheelPause,
		SettlePause:          b.SettlePause,
	}
}

// EnrichConfig maps the enrich section onto the fetcher settings.
func (c Config) EnrichConfig() enrich.Config {
	e := c.Enrich
	categories := e.Categories
	if len(categories) == 0 {
		categories = enrich.DefaultCategories()
	}
	return enrich.Config{
		UserAgent:        e.UserAgent,
		MaxRedirects:     e.MaxRedirects,
		InsecureTLS:      e.InsecureTLS,
		MaxBodyBytes:     e.MaxBodyBytes,
		MaxTimeout:       e.MaxTimeout,
		SampleChars:      e.SampleChars,
		DescriptionChars: e.DescriptionChars,
		Categories:       categories,
		RateLimit:        ratelimit.Config{DefaultRPS: e.DomainRPS, DefaultBurst: e.DomainBurst},
	}
}

// ControllerConfig maps the crawl section onto the discovery loop settings.
func (c Config) ControllerConfig() crawler.ControllerConfig {
	return crawler.ControllerConfig{
		SearchBaseURL: c.Crawl.SearchBaseURL,
		Concurrency:   c.Crawl.Concurrency,
		StallLimit:    c.Crawl.StallLimit,
		ProgressCap:   c.Crawl.ProgressCap,
	}
}

// Request builds a SearchRequest, filling unset optional fields from the crawl defaults.
func (c Config) Request(location, keyword string, maxResults int, perSiteTimeout float64, enrichment *bool) crawler.SearchRequest {
	req := crawler.SearchRequest{
		Location:              location,
		Keyword:               keyword,
		MaxResults:            maxResults,
		PerSiteTimeoutSeconds: perSiteTimeout,
		EnrichmentEnabled:     c.Crawl.DefaultEnrichment,
	}
	if req.MaxResults == 0 {
		req.MaxResults = c.Crawl.DefaultMaxResults
	}
	if req.PerSiteTimeoutSeconds == 0 {
		req.PerSiteTimeoutSeconds = c.Crawl.DefaultPerSiteTimeoutSeconds
	}
	if enrichment != nil {
		req.EnrichmentEnabled = *enrichment
	}
	return req
}
