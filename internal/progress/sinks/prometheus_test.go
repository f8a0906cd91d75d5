package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Now()
	rec := crawler.NewBusinessRecord("https://maps.example/place/1")
	batch := []progress.Event{
		{SessionID: "s1", TS: start, Kind: progress.KindLog, Severity: crawler.SeverityInfo},
		{SessionID: "s1", TS: start.Add(time.Second), Kind: progress.KindProgress, Percent: 50},
		{SessionID: "s1", TS: start.Add(2 * time.Second), Kind: progress.KindRecord, Record: &rec},
		{SessionID: "s1", TS: start.Add(3 * time.Second), Kind: progress.KindLog, Severity: crawler.SeverityWarn},
		{SessionID: "s1", TS: start.Add(10 * time.Second), Kind: progress.KindFinished, State: crawler.StateCompleted},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("log")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.logs.WithLabelValues("WARN")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.records))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsDone.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sessionRuntime, "harvester_session_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
