package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

const (
	defaultReplayLimit    = 1000
	defaultSubscriberSize = 256
	defaultFinishedKept   = 512
)

// StreamConfig bounds the memory held per session.
//   - ReplayLimit: log and progress events kept for late subscribers (default 1000).
//     Record and finished events are always kept.
//   - SubscriberBuffer: per-subscriber channel size (default 256).
//   - FinishedKept: finished sessions whose history stays available (default 512).
type StreamConfig struct {
	ReplayLimit      int
	SubscriberBuffer int
	FinishedKept     int
}

// StreamSink fans events out to live per-session subscribers and keeps a
// replay history so a subscriber joining late still sees the whole session.
type StreamSink struct {
	cfg StreamConfig

	mu       sync.Mutex
	sessions map[string]*stream
	finished []string
}

type stream struct {
	history   []progress.Event
	transient int
	subs      map[*Subscription]struct{}
	finished  bool
}

// Subscription is a live view of one session's events. C is closed after
// the finished event, when the subscriber falls behind, or on Close.
type Subscription struct {
	C <-chan progress.Event

	ch        chan progress.Event
	sessionID string
	sink      *StreamSink
	lagged    bool
	closed    bool
}

// NewStreamSink creates an empty StreamSink.
func NewStreamSink(cfg StreamConfig) *StreamSink {
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplayLimit
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberSize
	}
	if cfg.FinishedKept <= 0 {
		cfg.FinishedKept = defaultFinishedKept
	}
	return &StreamSink{cfg: cfg, sessions: make(map[string]*stream)}
}

// Subscribe returns the events emitted so far for sessionID and a
// subscription for the ones that follow. No event is both replayed and
// delivered live. For a finished session the subscription is already closed.
func (s *StreamSink) Subscribe(sessionID string) ([]progress.Event, *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(sessionID)
	ch := make(chan progress.Event, s.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID, sink: s}
	replay := append([]progress.Event(nil), st.history...)
	if st.finished {
		sub.closeLocked()
		return replay, sub
	}
	st.subs[sub] = struct{}{}
	return replay, sub
}

// Lagged reports whether the subscription was closed because its buffer filled.
func (sub *Subscription) Lagged() bool {
	sub.sink.mu.Lock()
	defer sub.sink.mu.Unlock()
	return sub.lagged
}

// Close detaches the subscription. It is safe to call more than once.
func (sub *Subscription) Close() {
	s := sub.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sub.sessionID]; ok {
		delete(st.subs, sub)
		// A session that never produced an event here, or whose history was
		// already retired, is not kept alive by its last subscriber.
		if len(st.subs) == 0 && len(st.history) == 0 && !st.finished {
			delete(s.sessions, sub.sessionID)
		}
	}
	sub.closeLocked()
}

func (sub *Subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

// Consume appends each event to its session history and delivers it to
// subscribers without blocking.
func (s *StreamSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st := s.streamLocked(evt.SessionID)
		if st.finished {
			continue
		}
		st.history = append(st.history, evt)
		if !evt.Critical() {
			st.transient++
		}
		s.trimLocked(st)
		for sub := range st.subs {
			select {
			case sub.ch <- evt:
			default:
				sub.lagged = true
				delete(st.subs, sub)
				sub.closeLocked()
			}
		}
		if evt.Kind == progress.KindFinished {
			st.finished = true
			for sub := range st.subs {
				sub.closeLocked()
			}
			st.subs = map[*Subscription]struct{}{}
			s.retireLocked(evt.SessionID)
		}
	}
	return nil
}

// History returns a copy of the events kept for sessionID.
func (s *StreamSink) History(sessionID string) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]progress.Event(nil), st.history...)
}

// Close ends every live subscription.
func (s *StreamSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		for sub := range st.subs {
			sub.closeLocked()
		}
		st.subs = map[*Subscription]struct{}{}
	}
	return nil
}

func (s *StreamSink) streamLocked(sessionID string) *stream {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &stream{subs: make(map[*Subscription]struct{})}
		s.sessions[sessionID] = st
	}
	return st
}

// trimLocked drops the oldest log or progress event once more than
// ReplayLimit of them are held.
func (s *StreamSink) trimLocked(st *stream) {
	if st.transient <= s.cfg.ReplayLimit {
		return
	}
	for i, evt := range st.history {
		if !evt.Critical() {
			st.history = append(st.history[:i], st.history[i+1:]...)
			st.transient--
			return
		}
	}
}

func (s *StreamSink) retireLocked(sessionID string) {
	s.finished = append(s.finished, sessionID)
	for len(s.finished) > s.cfg.FinishedKept {
		delete(s.sessions, s.finished[0])
		s.finished = s.finished[1:]
	}
}
