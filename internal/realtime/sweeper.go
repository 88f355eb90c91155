package realtime

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sync/errgroup"

	prommetrics "github.com/aimd54/travelqa/internal/metrics"
	"github.com/aimd54/travelqa/pkg/logger"
)

// Sweeper defaults, used when a SweeperConfig field is zero.
const (
	// DefaultStaleAfter evicts sessions with no activity for this long, connected or not.
	DefaultStaleAfter      = 5 * time.Minute
	// DefaultDisconnectGrace keeps a disconnected session around for a reconnect.
	DefaultDisconnectGrace = 30 * time.Second
	DefaultSweepInterval   = 30 * time.Second
	DefaultMetricsInterval = 10 * time.Second
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	StaleAfter      time.Duration
	DisconnectGrace time.Duration
	SweepInterval   time.Duration
	MetricsInterval time.Duration
	// MetricsRoom receives a metrics event on every snapshot when set.
	MetricsRoom string
}

// MetricsSnapshot is a read-only view of the realtime layer at one point in time.
type MetricsSnapshot struct {
	TotalConnections  int       `json:"totalConnections"`
	ActiveConnections int       `json:"activeConnections"`
	ActiveUsers       int       `json:"activeUsers"`
	Rooms             int       `json:"rooms"`
	QueuedEvents      int       `json:"queuedEvents"`
	MessagesInWindow  int64     `json:"messagesInWindow"`
	MessagesPerSecond float64   `json:"messagesPerSecond"`
	MemoryRSSBytes    uint64    `json:"memoryRssBytes"`
	Goroutines        int       `json:"goroutines"`
	UptimeSeconds     float64   `json:"uptimeSeconds"`
	Timestamp         time.Time `json:"timestamp"`
}

// Sweeper runs stale-session eviction and metrics snapshotting on independent tickers.
type Sweeper struct {
	registry   *Registry
	dispatcher *Dispatcher
	cfg        SweeperConfig
	log        *logger.Logger

	proc      *process.Process
	startedAt time.Time
	now       func() time.Time

	snapshot     atomic.Pointer[MetricsSnapshot]
	lastMessages int64
	lastAt       time.Time
}

// NewSweeper creates a sweeper. dispatcher may be nil, in which case no presence or metrics events are queued.
func NewSweeper(registry *Registry, dispatcher *Dispatcher, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}

	s := &Sweeper{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
	s.startedAt = s.now()
	s.lastAt = s.startedAt

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("Process stats unavailable, memory will be reported as 0")
	} else {
		s.proc = p
	}

	s.snapshot.Store(&MetricsSnapshot{Timestamp: s.startedAt})
	return s
}

// SetClock overrides the time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
	s.startedAt = now()
	s.lastAt = s.startedAt
}

// Run starts both periodic tasks and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, s.cfg.SweepInterval, func() { s.SweepOnce(ctx) })
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.MetricsInterval, func() { s.SnapshotOnce() })
	})

	s.log.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("metrics_interval", s.cfg.MetricsInterval).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("Sweeper started")

	err := g.Wait()
	s.log.Info().Msg("Sweeper stopped")
	return err
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, tick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// SweepOnce removes stale and expired sessions and announces stale removals to their rooms.
func (s *Sweeper) SweepOnce(ctx context.Context) []Session {
	removed := s.registry.Sweep(s.now(), s.cfg.StaleAfter, s.cfg.DisconnectGrace)
	if len(removed) == 0 {
		return nil
	}

	stale := 0
	for _, sess := range removed {
		if !sess.Active {
			// Already announced on disconnect.
			continue
		}
		stale++
		if s.dispatcher != nil {
			s.dispatcher.Enqueue(sess.Room, Event{
				Type:    EventUserLeft,
				Payload: PresencePayload{UserID: sess.UserID, SessionID: sess.ID},
			})
		}
	}
	prommetrics.RecordSessionsSwept("stale", stale)
	prommetrics.RecordSessionsSwept("disconnected", len(removed)-stale)

	s.log.Info().
		Int("stale", stale).
		Int("disconnected", len(removed)-stale).
		Msg("Swept sessions")
	return removed
}

// SnapshotOnce computes and publishes a new metrics snapshot.
func (s *Sweeper) SnapshotOnce() MetricsSnapshot {
	now := s.now()
	stats := s.registry.Stats()

	snap := MetricsSnapshot{
		TotalConnections:  stats.TotalSessions,
		ActiveConnections: stats.ActiveSessions,
		ActiveUsers:       stats.ActiveUsers,
		Rooms:             stats.Rooms,
		MessagesInWindow:  stats.Messages - s.lastMessages,
		Goroutines:        runtime.NumGoroutine(),
		UptimeSeconds:     now.Sub(s.startedAt).Seconds(),
		Timestamp:         now,
	}
	if s.dispatcher != nil {
		snap.QueuedEvents = s.dispatcher.Queued()
	}
	if window := now.Sub(s.lastAt).Seconds(); window > 0 {
		snap.MessagesPerSecond = float64(snap.MessagesInWindow) / window
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
	}

	s.lastMessages = stats.Messages
	s.lastAt = now
	s.snapshot.Store(&snap)

	prommetrics.SetRealtimeGauges(snap.ActiveConnections, snap.ActiveUsers, snap.Rooms)
	prommetrics.SetMemoryBytes(snap.MemoryRSSBytes)

	if s.dispatcher != nil && s.cfg.MetricsRoom != "" {
		s.dispatcher.Enqueue(s.cfg.MetricsRoom, Event{Type: EventMetrics, Payload: snap})
	}
	return snap
}

// Metrics returns the latest snapshot.
func (s *Sweeper) Metrics() MetricsSnapshot {
	return *s.snapshot.Load()
}
