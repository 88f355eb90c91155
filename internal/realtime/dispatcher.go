package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	prommetrics "github.com/aimd54/travelqa/internal/metrics"
	"github.com/aimd54/travelqa/pkg/logger"
)

// Dispatcher defaults, used when a DispatcherConfig field is zero.
const (
	// DefaultQueueCapacity bounds each room queue; the oldest event is dropped past it.
	DefaultQueueCapacity = 1000
	// DefaultFlushLimit is the number of events delivered per room per flush.
	DefaultFlushLimit    = 10
	DefaultFlushInterval = 30 * time.Second
)

// DeliveryObserver is told how many sessions received each flushed event.
type DeliveryObserver interface {
	OnDelivered(ctx context.Context, evt Event, sessions int)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueCapacity int
	FlushLimit    int
	FlushInterval time.Duration
}

type roomState struct {
	mu      sync.Mutex // guards queue
	flushMu sync.Mutex // serializes flushes of this room
	queue   *roomQueue
}

// Dispatcher keeps one bounded queue per room and flushes queued events to the
// room's active sessions. Rooms never share a lock while flushing.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	log      *logger.Logger

	mu    sync.RWMutex
	rooms map[string]*roomState

	observer DeliveryObserver
	now      func() time.Time
}

// NewDispatcher creates a dispatcher delivering to sessions from registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.FlushLimit <= 0 {
		cfg.FlushLimit = DefaultFlushLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		log:      log,
		rooms:    make(map[string]*roomState),
		now:      time.Now,
	}
}

// SetObserver attaches the delivery observer. Call it before the dispatcher runs.
func (d *Dispatcher) SetObserver(o DeliveryObserver) {
	d.observer = o
}

// Enqueue appends evt to room's queue. It never blocks; a full queue drops its oldest event.
func (d *Dispatcher) Enqueue(room string, evt Event) {
	d.enqueue(room, evt, false)
}

func (d *Dispatcher) enqueue(room string, evt Event, urgent bool) {
	if room == "" {
		d.log.Warn().Str("type", string(evt.Type)).Msg("Dropping event without room")
		prommetrics.RecordEventDropped("no_room")
		return
	}
	evt.Room = room
	if evt.Timestamp.IsZero() {
		evt.Timestamp = d.now()
	}

	// The read lock keeps the room from being pruned while we push.
	d.mu.RLock()
	rs, ok := d.rooms[room]
	if ok {
		d.push(rs, room, evt, urgent)
		d.mu.RUnlock()
		return
	}
	d.mu.RUnlock()

	d.mu.Lock()
	rs, ok = d.rooms[room]
	if !ok {
		rs = &roomState{queue: newRoomQueue(d.cfg.QueueCapacity)}
		d.rooms[room] = rs
	}
	d.push(rs, room, evt, urgent)
	d.mu.Unlock()
}

func (d *Dispatcher) push(rs *roomState, room string, evt Event, urgent bool) {
	rs.mu.Lock()
	evicted := rs.queue.push(evt)
	rs.mu.Unlock()

	prommetrics.RecordEventEnqueued(string(evt.Type), urgent)
	if evicted {
		prommetrics.RecordEventDropped("queue_full")
		d.log.Debug().Str("room", room).Msg("Room queue full, evicted oldest event")
	}
}

// EnqueueUrgent queues evt and flushes the whole room right away. It returns the number of events flushed.
func (d *Dispatcher) EnqueueUrgent(ctx context.Context, room string, evt Event) int {
	d.enqueue(room, evt, true)
	return d.Flush(ctx, room, 0)
}

// Flush delivers up to limit of the oldest events of room to its active sessions.
// limit <= 0 drains the queue. Delivery is fire-and-forget per session.
func (d *Dispatcher) Flush(ctx context.Context, room string, limit int) int {
	d.mu.RLock()
	rs, ok := d.rooms[room]
	d.mu.RUnlock()
	if !ok {
		return 0
	}

	rs.flushMu.Lock()
	defer rs.flushMu.Unlock()

	rs.mu.Lock()
	events := rs.queue.pop(limit)
	rs.mu.Unlock()

	for _, evt := range events {
		delivered := 0
		for _, rcpt := range d.registry.Recipients(room, evt.TargetUserID) {
			if rcpt.Sender.Send(evt) {
				delivered++
			} else {
				prommetrics.RecordEventDropped("send_buffer_full")
			}
		}
		if delivered > 0 {
			prommetrics.RecordEventDelivered(string(evt.Type))
		}
		if d.observer != nil {
			d.observer.OnDelivered(ctx, evt, delivered)
		}
	}
	return len(events)
}

// FlushAll flushes every room with queued events and prunes rooms left empty.
func (d *Dispatcher) FlushAll(ctx context.Context, limit int) int {
	flushed := 0
	for _, room := range d.pendingRooms() {
		flushed += d.Flush(ctx, room, limit)
	}
	d.prune()
	return flushed
}

// Len returns the number of queued events for room.
func (d *Dispatcher) Len(room string) int {
	d.mu.RLock()
	rs, ok := d.rooms[room]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.queue.len()
}

// Pending returns the queued events of room, oldest first, without removing them.
func (d *Dispatcher) Pending(room string) []Event {
	d.mu.RLock()
	rs, ok := d.rooms[room]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.queue.peek()
}

// Queued returns the total number of queued events across rooms.
func (d *Dispatcher) Queued() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := 0
	for _, rs := range d.rooms {
		rs.mu.Lock()
		total += rs.queue.len()
		rs.mu.Unlock()
	}
	return total
}

// Run flushes all rooms every FlushInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	d.log.Info().
		Dur("interval", d.cfg.FlushInterval).
		Int("limit", d.cfg.FlushLimit).
		Msg("Room dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Room dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := d.FlushAll(ctx, d.cfg.FlushLimit); n > 0 {
				d.log.Debug().Int("events", n).Msg("Flushed room queues")
			}
		}
	}
}

func (d *Dispatcher) pendingRooms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := make([]string, 0, len(d.rooms))
	for room, rs := range d.rooms {
		rs.mu.Lock()
		n := rs.queue.len()
		rs.mu.Unlock()
		if n > 0 {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

func (d *Dispatcher) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for room, rs := range d.rooms {
		// A room being flushed stays until its next tick.
		if !rs.flushMu.TryLock() {
			continue
		}
		rs.mu.Lock()
		empty := rs.queue.len() == 0
		rs.mu.Unlock()
		if empty {
			delete(d.rooms, room)
		}
		rs.flushMu.Unlock()
	}
}
