package realtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aimd54/travelqa/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	inboundBuffer  = 16
	defaultSendBuf = 64
)

// AuthHook runs when a session becomes associated with a user.
type AuthHook func(ctx context.Context, sessionID string, userID uint)

// Hub owns the websocket transport and the background loops of the realtime layer.
type Hub struct {
	registry   *Registry
	dispatcher *Dispatcher
	sweeper    *Sweeper
	log        *logger.Logger
	upgrader   websocket.Upgrader
	sendBuffer int
	onAuth     AuthHook

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	conns  map[string]*connection
}

// NewHub wires a hub around an existing registry, dispatcher and sweeper.
func NewHub(registry *Registry, dispatcher *Dispatcher, sweeper *Sweeper, sendBuffer int, log *logger.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuf
	}
	return &Hub{
		registry:   registry,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		log:        log,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		ctx:   context.Background(),
		conns: make(map[string]*connection),
	}
}

// SetAuthHook registers the callback run when a session is bound to a user.
func (h *Hub) SetAuthHook(hook AuthHook) {
	h.onAuth = hook
}

// Start launches the dispatcher flush loop and the sweeper.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return h.dispatcher.Run(gctx) })
	g.Go(func() error { return h.sweeper.Run(gctx) })

	h.ctx = gctx
	h.cancel = cancel
	h.group = g
	h.log.Info().Msg("Realtime hub started")
}

// Stop cancels the background loops and waits for them to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, g := h.cancel, h.group
	h.cancel, h.group = nil, nil
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Error().Err(err).Msg("Realtime loop exited with error")
	}
	h.log.Info().Msg("Realtime hub stopped")
}

func (h *Hub) runContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
// The user ID comes from the "user_id" context value set by upstream auth, or the X-User-ID header.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := requestUserID(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := &connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan Event, h.sendBuffer),
		done:   make(chan struct{}),
	}
	h.serve(h.runContext(), conn)
}

func requestUserID(c *gin.Context) uint {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	if raw := c.GetHeader("X-User-ID"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return uint(id)
		}
	}
	return 0
}

// connection is one websocket peer. It implements Sender.
type connection struct {
	id     string
	userID uint
	ws     *websocket.Conn
	send   chan Event
	done   chan struct{}
	once   sync.Once
}

// Send queues evt for the writer without blocking.
func (c *connection) Send(evt Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (h *Hub) serve(ctx context.Context, conn *connection) {
	userID := conn.userID
	h.track(conn)
	defer h.untrack(conn)

	sess := h.registry.Register(conn.id, userID, conn)
	h.dispatcher.Enqueue(sess.Room, Event{
		Type:    EventUserJoined,
		Payload: PresencePayload{UserID: userID, SessionID: conn.id},
	})
	h.log.Info().
		Str("session_id", conn.id).
		Uint("user_id", userID).
		Str("room", sess.Room).
		Msg("WebSocket connected")

	inbound := make(chan Inbound, inboundBuffer)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writeLoop(conn)
	}()
	go func() {
		defer wg.Done()
		h.handleLoop(conn, inbound)
	}()

	if userID != 0 && h.onAuth != nil {
		h.onAuth(ctx, conn.id, userID)
	}

	h.readLoop(ctx, conn, inbound)
	close(inbound)
	conn.close()
	wg.Wait()

	if last, ok := h.registry.MarkInactive(conn.id); ok {
		h.dispatcher.Enqueue(last.Room, Event{
			Type:    EventUserLeft,
			Payload: PresencePayload{UserID: last.UserID, SessionID: conn.id},
		})
	}
	h.log.Info().
		Str("session_id", conn.id).
		Uint("user_id", userID).
		Msg("WebSocket disconnected")
}

func (h *Hub) track(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
}

func (h *Hub) untrack(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.id)
}

func (h *Hub) readLoop(ctx context.Context, conn *connection, inbound chan<- Inbound) {
	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		h.registry.Touch(conn.id)
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("session_id", conn.id).Msg("WebSocket read failed")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := ParseInbound(data)
		if err != nil {
			h.log.Warn().Err(err).Str("session_id", conn.id).Msg("Dropping malformed frame")
			conn.Send(Event{Type: EventError, Payload: map[string]string{"error": err.Error()}, Timestamp: time.Now()})
			continue
		}

		select {
		case inbound <- msg:
		case <-conn.done:
			return
		case <-ctx.Done():
			return
		}
		if _, ok := msg.(Disconnect); ok {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case evt := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteJSON(evt); err != nil {
				h.log.Debug().Err(err).Str("session_id", conn.id).Msg("WebSocket write failed")
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		}
	}
}

// handleLoop is the per-connection worker applying inbound frames in order.
func (h *Hub) handleLoop(conn *connection, inbound <-chan Inbound) {
	for msg := range inbound {
		h.handle(conn, msg)
	}
}

func (h *Hub) handle(conn *connection, msg Inbound) {
	sess, ok := h.registry.Get(conn.id)
	if !ok {
		// Swept while idle; bring the session back.
		sess = h.registry.Register(conn.id, conn.userID, conn)
	}
	h.registry.Touch(conn.id)

	switch m := msg.(type) {
	case JoinRoom:
		prev, ok := h.registry.Join(conn.id, m.Room)
		if !ok || prev == m.Room {
			return
		}
		presence := PresencePayload{UserID: sess.UserID, SessionID: conn.id}
		h.dispatcher.Enqueue(prev, Event{Type: EventUserLeft, Payload: presence})
		h.dispatcher.Enqueue(m.Room, Event{Type: EventUserJoined, Payload: presence})

	case LeaveRoom:
		room := m.Room
		if room == "" {
			room = sess.Room
		}
		next, ok := h.registry.Leave(conn.id, room)
		if !ok {
			return
		}
		presence := PresencePayload{UserID: sess.UserID, SessionID: conn.id}
		h.dispatcher.Enqueue(room, Event{Type: EventUserLeft, Payload: presence})
		h.dispatcher.Enqueue(next.Room, Event{Type: EventUserJoined, Payload: presence})

	case Message:
		if m.Room != "" && m.Room != sess.Room {
			h.log.Debug().Str("session_id", conn.id).Str("room", m.Room).Msg("Dropping message for a room the session is not in")
			return
		}
		h.registry.RecordMessage(conn.id)
		h.dispatcher.Enqueue(sess.Room, Event{
			Type:    EventMessage,
			Payload: MessagePayload{UserID: sess.UserID, SessionID: conn.id, Body: m.Payload},
		})

	case Typing:
		if m.Room != "" && m.Room != sess.Room {
			return
		}
		h.dispatcher.Enqueue(sess.Room, Event{
			Type:    EventTyping,
			Payload: TypingPayload{UserID: sess.UserID, SessionID: conn.id, IsTyping: m.IsTyping},
		})

	case Disconnect:
		conn.close()
	}
}
