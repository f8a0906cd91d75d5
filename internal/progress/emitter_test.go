package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestSessionEmitterStampsEvents(t *testing.T) {
	t.Parallel()

	out := &captureEmitter{}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	em := NewSessionEmitter(out, "abc", fixedClock(at))

	em.Log("Collected 3 / 10", crawler.SeverityInfo)
	em.Record(crawler.NewBusinessRecord("https://maps.example/place/1"))

	events := out.Events()
	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, "abc", evt.SessionID)
		require.Equal(t, at, evt.TS)
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, KindLog, events[0].Kind)
	require.Equal(t, "https://maps.example/place/1", events[1].Record.MapLink)
	require.Equal(t, "abc", em.SessionID())
}

func TestSessionEmitterProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	out := &captureEmitter{}
	em := NewSessionEmitter(out, "abc", nil)
	for _, p := range []int{10, 5, 10, 40, 150, 90, -3} {
		em.Progress(p)
	}

	var got []int
	for _, evt := range out.Events() {
		got = append(got, evt.Percent)
	}
	require.Equal(t, []int{10, 10, 40, 100}, got)
}

func TestSessionEmitterFinishedOnce(t *testing.T) {
	t.Parallel()

	out := &captureEmitter{}
	em := NewSessionEmitter(out, "abc", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.Finished(crawler.StateCancelled)
		}()
	}
	wg.Wait()
	em.Finished(crawler.StateCompleted)
	em.Log("late", crawler.SeverityWarn)
	em.Progress(100)

	events := out.Events()
	require.Len(t, events, 1)
	require.Equal(t, KindFinished, events[0].Kind)
	require.Equal(t, crawler.StateCancelled, events[0].State)

	state, done := em.Done()
	require.True(t, done)
	require.Equal(t, crawler.StateCancelled, state)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	rec := crawler.NewBusinessRecord("https://maps.example/place/1")
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"log", Event{SessionID: "s", TS: now, Kind: KindLog, Severity: crawler.SeveritySuccess}, false},
		{"log bad severity", Event{SessionID: "s", TS: now, Kind: KindLog, Severity: "DEBUG"}, true},
		{"progress", Event{SessionID: "s", TS: now, Kind: KindProgress, Percent: 100}, false},
		{"progress range", Event{SessionID: "s", TS: now, Kind: KindProgress, Percent: 101}, true},
		{"record", Event{SessionID: "s", TS: now, Kind: KindRecord, Record: &rec}, false},
		{"record missing", Event{SessionID: "s", TS: now, Kind: KindRecord}, true},
		{"finished", Event{SessionID: "s", TS: now, Kind: KindFinished, State: crawler.StateFailed}, false},
		{"finished running", Event{SessionID: "s", TS: now, Kind: KindFinished, State: crawler.StateRunning}, true},
		{"no session", Event{TS: now, Kind: KindProgress}, true},
		{"no ts", Event{SessionID: "s", Kind: KindProgress}, true},
		{"unknown kind", Event{SessionID: "s", TS: now, Kind: "heartbeat"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEventPayload(t *testing.T) {
	t.Parallel()

	rec := crawler.NewBusinessRecord("https://maps.example/place/1")
	require.Equal(t, &rec, Event{Kind: KindRecord, Record: &rec}.Payload())
	require.Equal(t, map[string]any{"percent": 42}, Event{Kind: KindProgress, Percent: 42}.Payload())
	require.Equal(t, map[string]any{"state": crawler.StateCompleted}, Event{Kind: KindFinished, State: crawler.StateCompleted}.Payload())
	require.Nil(t, Event{Kind: "other"}.Payload())
	require.True(t, Event{Kind: KindFinished}.Critical())
	require.False(t, Event{Kind: KindLog}.Critical())
}
