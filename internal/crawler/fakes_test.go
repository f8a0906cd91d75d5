package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type sinkEvent struct {
	kind     string
	message  string
	severity Severity
	percent  int
	record   BusinessRecord
	state    SessionState
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) add(e sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Log(message string, severity Severity) {
	s.add(sinkEvent{kind: "log", message: message, severity: severity})
}

func (s *recordingSink) Progress(percent int) {
	s.add(sinkEvent{kind: "progress", percent: percent})
}

func (s *recordingSink) Record(record BusinessRecord) {
	s.add(sinkEvent{kind: "record", record: record})
}

func (s *recordingSink) Finished(state SessionState) {
	s.add(sinkEvent{kind: "finished", state: state})
}

func (s *recordingSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func (s *recordingSink) kinds(kind string) []sinkEvent {
	var out []sinkEvent
	for _, e := range s.snapshot() {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) logs(severity Severity) []string {
	var out []string
	for _, e := range s.kinds("log") {
		if e.severity == severity {
			out = append(out, e.message)
		}
	}
	return out
}

type fakeBrowser struct {
	page *fakePage
	err  error
}

func (b *fakeBrowser) NewSession(context.Context) (BrowserSession, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}

// fakePage scripts a search view: batches[i] is returned by the i-th
// FeedLinks call, the last batch repeats once exhausted.
type fakePage struct {
	openErr  error
	consent  bool
	feed     bool
	single   string
	batches  [][]string
	feedErr  error
	scrollFn func(call int) error
	detailFn func(ctx context.Context, link string) (DetailPage, error)

	mu          sync.Mutex
	feedCalls   int
	scrollCalls int
	loads       map[string]int
	closed      atomic.Int32
	active      atomic.Int32
	peak        atomic.Int32
}

func (p *fakePage) OpenSearch(context.Context, string) error { return p.openErr }

func (p *fakePage) DismissConsent(context.Context) bool { return p.consent }

func (p *fakePage) WaitForFeed(context.Context) bool { return p.feed }

func (p *fakePage) SingleResult(context.Context) (string, bool) {
	return p.single, p.single != ""
}

func (p *fakePage) FeedLinks(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedCalls++
	if p.feedErr != nil {
		return nil, p.feedErr
	}
	if len(p.batches) == 0 {
		return nil, nil
	}
	idx := min(p.feedCalls-1, len(p.batches)-1)
	return append([]string(nil), p.batches[idx]...), nil
}

func (p *fakePage) ScrollFeed(context.Context) error {
	p.mu.Lock()
	p.scrollCalls++
	call := p.scrollCalls
	fn := p.scrollFn
	p.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (p *fakePage) LoadDetail(ctx context.Context, link string) (DetailPage, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	p.mu.Lock()
	if p.loads == nil {
		p.loads = make(map[string]int)
	}
	p.loads[link]++
	fn := p.detailFn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, link)
	}
	return DetailPage{URL: link, HTML: link}, nil
}

func (p *fakePage) Close() error {
	p.closed.Add(1)
	return nil
}

func (p *fakePage) loadCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.loads))
	for k, v := range p.loads {
		out[k] = v
	}
	return out
}

func (p *fakePage) calls() (feed, scroll int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feedCalls, p.scrollCalls
}

// nameFields maps the snapshot HTML straight into the name field.
type nameFields struct{}

func (nameFields) Extract(html string) (map[string]string, error) {
	if html == "broken" {
		return nil, errors.New("unparseable")
	}
	return map[string]string{FieldName: html, FieldWebsite: "https://" + html}, nil
}

type fakeEnricher struct {
	res   EnrichmentResult
	calls atomic.Int32
	delay time.Duration
}

func (e *fakeEnricher) Fetch(ctx context.Context, _ string, timeout time.Duration) EnrichmentResult {
	e.calls.Add(1)
	if e.delay > timeout {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return DefaultEnrichment()
	}
	return e.res
}

func links(prefix string, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, prefix+string(rune('a'+i)))
	}
	return out
}
