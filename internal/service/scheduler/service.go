// Package scheduler runs the periodic badge sweep over all active users.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aimd54/travelqa/internal/config"
	"github.com/aimd54/travelqa/internal/service/badges"
	"github.com/aimd54/travelqa/pkg/logger"
)

// BatchRunner runs one badge sweep.
type BatchRunner interface {
	BatchProcessAllUsers(ctx context.Context) badges.BatchResult
}

// Summarizer receives the outcome of each scheduled sweep.
type Summarizer interface {
	SendBatchSummary(ctx context.Context, processed, granted, failed int, took time.Duration) error
}

// Refresher recomputes derived data after a completed sweep.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Service handles badge sweep scheduling.
type Service struct {
	config     *config.BadgesConfig
	runner     BatchRunner
	summarizer Summarizer
	refreshers []Refresher
	log        *logger.Logger
	cron       *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastRun *badges.BatchResult
}

// NewService creates a new scheduler service. summarizer may be nil.
func NewService(
	cfg *config.BadgesConfig,
	runner BatchRunner,
	summarizer Summarizer,
	log *logger.Logger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     cfg,
		runner:     runner,
		summarizer: summarizer,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddRefresher registers r to run after every sweep that was not cancelled. Call it before Start.
func (s *Service) AddRefresher(r Refresher) {
	s.refreshers = append(s.refreshers, r)
}

// Start initializes and starts the cron scheduler.
func (s *Service) Start() error {
	if s.config.SweepSchedule == "" {
		s.log.Info().Msg("Badge sweep schedule is empty, scheduler disabled")
		return nil
	}

	location, err := s.config.GetLocation()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.config.Timezone, err)
	}

	cronExpr, err := buildCronExpression(s.config.SweepSchedule)
	if err != nil {
		return fmt.Errorf("failed to build cron expression: %w", err)
	}

	// A sweep that overruns its slot skips the next one instead of stacking up.
	s.cron = cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err = s.cron.AddFunc(cronExpr, func() {
		s.RunSweep(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to register badge sweep job: %w", err)
	}

	s.cron.Start()

	entries := s.cron.Entries()
	nextRun := ""
	if len(entries) > 0 {
		nextRun = entries[0].Next.Format(time.RFC3339)
	}

	s.log.Info().
		Str("schedule", cronExpr).
		Str("timezone", s.config.Timezone).
		Str("next_run", nextRun).
		Msg("Scheduler started successfully")

	return nil
}

// Stop cancels a running sweep and waits for the scheduler to shut down.
func (s *Service) Stop() {
	s.cancel()
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.log.Info().Msg("Scheduler stopped")
	}
}

// buildCronExpression accepts either a daily "HH:MM" time or a standard 5-field cron expression.
func buildCronExpression(schedule string) (string, error) {
	schedule = strings.TrimSpace(schedule)

	if parts := strings.Split(schedule, ":"); len(parts) == 2 && !strings.Contains(schedule, " ") {
		hour, err := strconv.Atoi(parts[0])
		if err != nil || hour < 0 || hour > 23 {
			return "", fmt.Errorf("invalid hour %q", parts[0])
		}

		minute, err := strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return "", fmt.Errorf("invalid minute %q", parts[1])
		}

		// Format: "minute hour day month weekday"
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return schedule, nil
}

// RunSweep executes one badge sweep and reports it.
func (s *Service) RunSweep(ctx context.Context) badges.BatchResult {
	s.log.Info().Msg("Running badge sweep job")

	result := s.runner.BatchProcessAllUsers(ctx)

	s.mu.Lock()
	s.lastRun = &result
	s.mu.Unlock()

	event := s.log.Info()
	if len(result.Errors) > 0 || result.Cancelled {
		event = s.log.Warn()
	}
	event.
		Int("processed", result.Processed).
		Int("granted", result.Granted).
		Int("errors", len(result.Errors)).
		Bool("cancelled", result.Cancelled).
		Dur("duration", result.Duration).
		Msg("Badge sweep job finished")

	s.notify(ctx, result)
	if !result.Cancelled {
		s.refresh(ctx)
	}
	return result
}

// LastRun returns the result of the most recent sweep, or nil before the first one.
func (s *Service) LastRun() *badges.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	copied := *s.lastRun
	return &copied
}
