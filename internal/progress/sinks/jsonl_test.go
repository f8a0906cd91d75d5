package sinks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

func TestJSONLinesSinkWritesRecordsOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewJSONLinesSink(&buf)
	err := sink.Consume(context.Background(), []progress.Event{
		logEvent("s1", "hello"),
		recordEvent("s1", "https://maps.example/place/a"),
		recordEvent("s1", "https://maps.example/place/b"),
		finishedEvent("s1", crawler.StateCompleted),
	})
	require.NoError(t, err)
	require.Equal(t, 2, sink.Written())

	var links []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var rec crawler.BusinessRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		links = append(links, rec.MapLink)
	}
	require.Equal(t, []string{"https://maps.example/place/a", "https://maps.example/place/b"}, links)
	require.NoError(t, sink.Close(context.Background()))
}
