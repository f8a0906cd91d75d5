package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// RecordMessage is the payload published for every discovered record.
type RecordMessage struct {
	SessionID string                 `json:"session_id"`
	Record    crawler.BusinessRecord `json:"record"`
}

// Attributes labels the message with its session and place.
func (m RecordMessage) Attributes() map[string]string {
	return map[string]string{
		"session_id": m.SessionID,
		"map_link":   m.Record.MapLink,
	}
}

// PublishSink forwards record events to a topic.
type PublishSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink constructs a PublishSink. A nil publisher disables it.
func NewPublishSink(pub crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes each record event in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Kind != progress.KindRecord || evt.Record == nil {
			continue
		}
		msg := RecordMessage{SessionID: evt.SessionID, Record: *evt.Record}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish record %s: %w", evt.Record.MapLink, err))
			continue
		}
		s.logger.Debug("record published",
			zap.String("session_id", evt.SessionID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
