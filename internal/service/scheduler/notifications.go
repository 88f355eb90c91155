package scheduler

import (
	"context"

	"github.com/aimd54/travelqa/internal/service/badges"
)

// maxLoggedErrors caps how many per-user failures are echoed to the log after a sweep.
const maxLoggedErrors = 5

// notify forwards a sweep outcome to the summarizer and logs a sample of failures.
func (s *Service) notify(ctx context.Context, result badges.BatchResult) {
	for _, msg := range sampleErrors(result.Errors, maxLoggedErrors) {
		s.log.Warn().Str("error", msg).Msg("Badge sweep user failure")
	}

	if s.summarizer == nil || result.Cancelled {
		return
	}
	if err := s.summarizer.SendBatchSummary(ctx, result.Processed, result.Granted, len(result.Errors), result.Duration); err != nil {
		s.log.Error().
			Err(err).
			Msg("Failed to send badge sweep summary")
	}
}

// sampleErrors returns at most limit errors, keeping their order.
func sampleErrors(errs []string, limit int) []string {
	if len(errs) <= limit {
		return errs
	}
	return errs[:limit]
}

func (s *Service) refresh(ctx context.Context) {
	for _, r := range s.refreshers {
		if err := r.Refresh(ctx); err != nil {
			s.log.Error().Err(err).Msg("Post-sweep refresh failed")
		}
	}
}
