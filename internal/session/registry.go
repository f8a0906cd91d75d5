// Package session keeps track of harvesting sessions: it assigns IDs, runs
// each session on its own goroutine with its own cancellation token, and
// keeps the outcome of finished sessions for inspection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/metrics"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// Registry errors.
var (
	ErrNotFound       = errors.New("session not found")
	ErrNotReady       = errors.New("event channel is not ready")
	ErrInvalidRequest = crawler.ErrInvalidRequest
	ErrBusy           = errors.New("too many active sessions")
)

// Runner executes one session. crawler.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, req crawler.SearchRequest, token *crawler.CancellationToken, sink crawler.EventSink) crawler.Outcome
}

// Defaults fill zero-valued request fields.
type Defaults struct {
	MaxResults            int
	PerSiteTimeoutSeconds float64
}

// Options configures a Registry.
type Options struct {
	Defaults  Defaults
	MaxActive int
	// Ready reports whether the event channel accepts events. Nil means always.
	Ready  func() bool
	IDs    crawler.IDGenerator
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string                     `json:"id"`
	State      crawler.SessionState       `json:"state"`
	Request    crawler.SearchRequest      `json:"request"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	Scheduled  int                        `json:"scheduled"`
	Records    int                        `json:"records"`
	Skipped    map[crawler.SkipReason]int `json:"skipped,omitempty"`
	Error      string                     `json:"error,omitempty"`
	StopAsked  bool                       `json:"stop_requested"`
}

type entry struct {
	info   Info
	token  *crawler.CancellationToken
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every session started by this process.
type Registry struct {
	runner Runner
	events progress.Emitter
	opts   Options
	logger *zap.Logger
	base   context.Context

	mu       sync.RWMutex
	sessions map[string]*entry
	active   int
	wg       sync.WaitGroup
}

// New creates a Registry. Sessions run under base, which is never the
// context of the request that started them.
func New(base context.Context, runner Runner, events progress.Emitter, opts Options) *Registry {
	if base == nil {
		base = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Defaults.MaxResults <= 0 {
		opts.Defaults.MaxResults = 100
	}
	if opts.Defaults.PerSiteTimeoutSeconds <= 0 {
		opts.Defaults.PerSiteTimeoutSeconds = 15
	}
	return &Registry{
		runner:   runner,
		events:   events,
		opts:     opts,
		logger:   logger,
		base:     base,
		sessions: make(map[string]*entry),
	}
}

// Ready reports whether Start would accept a session.
func (r *Registry) Ready() bool {
	return r.events != nil && (r.opts.Ready == nil || r.opts.Ready())
}

// Start validates req, registers a running session and launches it.
func (r *Registry) Start(req crawler.SearchRequest) (Info, error) {
	if !r.Ready() {
		return Info{}, ErrNotReady
	}
	req = r.applyDefaults(req)
	if err := req.Validate(); err != nil {
		return Info{}, err
	}
	id, err := r.newID()
	if err != nil {
		return Info{}, err
	}

	ctx, cancel := context.WithCancel(r.base)
	e := &entry{
		info: Info{
			ID:        id,
			State:     crawler.StateRunning,
			Request:   req,
			StartedAt: r.now(),
		},
		token:  crawler.NewCancellationToken(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.opts.MaxActive > 0 && r.active >= r.opts.MaxActive {
		r.mu.Unlock()
		cancel()
		return Info{}, ErrBusy
	}
	r.sessions[id] = e
	r.active++
	info := e.info
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.SessionStarted()
	r.logger.Info("session started",
		zap.String("session_id", id),
		zap.String("location", req.Location),
		zap.String("keyword", req.Keyword),
		zap.Int("max_results", req.MaxResults),
	)
	go r.run(ctx, e)
	return info, nil
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	emitter := progress.NewSessionEmitter(r.events, e.info.ID, r.opts.Clock)
	out := r.runner.Run(ctx, e.info.Request, e.token, emitter)
	// Runners emit finished themselves; this only covers one that returned early.
	emitter.Finished(out.State)

	finished := r.now()
	r.mu.Lock()
	e.info.State = out.State
	e.info.FinishedAt = &finished
	e.info.Scheduled = out.Scheduled
	e.info.Records = out.Records
	e.info.Skipped = out.Skipped
	if out.Err != nil {
		e.info.Error = out.Err.Error()
	}
	r.active--
	r.mu.Unlock()

	metrics.SessionFinished(string(out.State))
	r.logger.Info("session finished",
		zap.String("session_id", e.info.ID),
		zap.String("state", string(out.State)),
		zap.Int("records", out.Records),
		zap.Error(out.Err),
	)
}

// Stop requests a cooperative stop of one session. Stopping a finished
// session is a no-op.
func (r *Registry) Stop(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	if !e.info.State.Terminal() {
		e.token.Cancel()
		e.info.StopAsked = true
	}
	return copyInfo(e.info), nil
}

// StopAll requests a stop of every running session and returns how many were signalled.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sessions {
		if e.info.State.Terminal() {
			continue
		}
		e.token.Cancel()
		e.info.StopAsked = true
		n++
	}
	return n
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return copyInfo(e.info), nil
}

// List returns every known session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, copyInfo(e.info))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until the session finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Info, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	select {
	case <-e.done:
		return r.Get(id)
	case <-ctx.Done():
		return Info{}, fmt.Errorf("wait for session %s: %w", id, ctx.Err())
	}
}

// Shutdown stops every session and waits for them to drain. When ctx ends
// first, the sessions' contexts are cancelled so their browsers close.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.StopAll()
	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}
	r.mu.RLock()
	for _, e := range r.sessions {
		e.cancel()
	}
	r.mu.RUnlock()
	<-drained
	return fmt.Errorf("session shutdown: %w", ctx.Err())
}

func (r *Registry) applyDefaults(req crawler.SearchRequest) crawler.SearchRequest {
	if req.MaxResults == 0 {
		req.MaxResults = r.opts.Defaults.MaxResults
	}
	if req.PerSiteTimeoutSeconds == 0 {
		req.PerSiteTimeoutSeconds = r.opts.Defaults.PerSiteTimeoutSeconds
	}
	return req
}

func (r *Registry) newID() (string, error) {
	if r.opts.IDs == nil {
		return "", errors.New("session id generator is not configured")
	}
	id, err := r.opts.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	return id, nil
}

func (r *Registry) now() time.Time {
	if r.opts.Clock != nil {
		return r.opts.Clock.Now()
	}
	return time.Now().UTC()
}

func copyInfo(in Info) Info {
	if in.Skipped != nil {
		skipped := make(map[crawler.SkipReason]int, len(in.Skipped))
		for k, v := range in.Skipped {
			skipped[k] = v
		}
		in.Skipped = skipped
	}
	if in.FinishedAt != nil {
		at := *in.FinishedAt
		in.FinishedAt = &at
	}
	return in
}
