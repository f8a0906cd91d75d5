package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

// SessionEmitter implements crawler.EventSink for one session. It stamps
// events with the session ID and time, keeps progress non-decreasing, and
// lets exactly one finished event through. Nothing is emitted after finished.
type SessionEmitter struct {
	out       Emitter
	sessionID string
	now       func() time.Time

	mu       sync.Mutex
	percent  int
	finished bool
	state    crawler.SessionState
}

var _ crawler.EventSink = (*SessionEmitter)(nil)

// NewSessionEmitter binds out to sessionID. A nil clock uses time.Now.
func NewSessionEmitter(out Emitter, sessionID string, clock crawler.Clock) *SessionEmitter {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &SessionEmitter{out: out, sessionID: sessionID, now: now}
}

// Log emits a log event.
func (e *SessionEmitter) Log(message string, severity crawler.Severity) {
	e.emit(Event{Kind: KindLog, Message: message, Severity: severity})
}

// Progress emits a progress event. Values are clamped to 0..100 and values
// lower than the last emitted percentage are ignored.
func (e *SessionEmitter) Progress(percent int) {
	percent = min(max(percent, 0), 100)
	e.mu.Lock()
	if e.finished || percent < e.percent {
		e.mu.Unlock()
		return
	}
	e.percent = percent
	e.mu.Unlock()
	e.emit(Event{Kind: KindProgress, Percent: percent})
}

// Record emits a discovered business record.
func (e *SessionEmitter) Record(record crawler.BusinessRecord) {
	e.emit(Event{Kind: KindRecord, Record: &record})
}

// Finished emits the terminal event. Later calls are ignored.
func (e *SessionEmitter) Finished(state crawler.SessionState) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.state = state
	e.mu.Unlock()
	e.send(Event{Kind: KindFinished, State: state})
}

// Done reports whether Finished has been called, and with which state.
func (e *SessionEmitter) Done() (crawler.SessionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.finished
}

// SessionID returns the session the emitter is bound to.
func (e *SessionEmitter) SessionID() string {
	return e.sessionID
}

func (e *SessionEmitter) emit(evt Event) {
	e.mu.Lock()
	done := e.finished
	e.mu.Unlock()
	if done {
		return
	}
	e.send(evt)
}

func (e *SessionEmitter) send(evt Event) {
	if e.out == nil {
		return
	}
	evt.SessionID = e.sessionID
	evt.TS = e.now()
	e.out.Emit(evt)
}
