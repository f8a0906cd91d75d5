package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// RecordSink persists record events via a crawler.RecordRepository.
type RecordSink struct {
	repo   crawler.RecordRepository
	logger *zap.Logger
}

// NewRecordSink constructs a RecordSink for the provided repository.
func NewRecordSink(repo crawler.RecordRepository, logger *zap.Logger) *RecordSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordSink{repo: repo, logger: logger}
}

// Consume saves every record in the batch. A failing save does not stop the
// rest of the batch; the errors are joined and returned.
func (s *RecordSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Kind != progress.KindRecord || evt.Record == nil {
			continue
		}
		if err := s.repo.SaveRecord(ctx, evt.SessionID, *evt.Record); err != nil {
			s.logger.Warn("save record failed",
				zap.String("session_id", evt.SessionID),
				zap.String("map_link", evt.Record.MapLink),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("save record %s: %w", evt.Record.MapLink, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *RecordSink) Close(context.Context) error {
	return nil
}
