// Package broadcast pushes snapshots to live WebSocket subscribers, skipping
// snapshots that are identical to the last one pushed.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-dashboard/internal/state"
)

// TypeStateUpdate is the envelope type of every pushed snapshot.
const TypeStateUpdate = "state_update"

// Envelope is the wire format of a pushed snapshot.
type Envelope struct {
	Type string         `json:"type"`
	Data state.Snapshot `json:"data"`
}

// Recorder receives hub metrics.
type Recorder interface {
	RecordBroadcast(sent bool)
	SetSubscribers(count int)
}

// Config holds hub tuning.
type Config struct {
	// WriteTimeout bounds a single frame write to one subscriber.
	WriteTimeout time.Duration

	// PingInterval is how often idle subscribers are pinged. Subscribers
	// that do not answer within two intervals are dropped.
	PingInterval time.Duration

	// SendBuffer is the number of frames queued per subscriber before the
	// subscriber is considered too slow and dropped.
	SendBuffer int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   16,
	}
}

// Hub owns the subscriber registry and the last broadcast snapshot.
type Hub struct {
	cfg      Config
	source   func() state.Snapshot
	recorder Recorder
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	last        state.Snapshot
	lastPrint   string
	published   bool
	closed      bool
}

// NewHub creates a hub. source produces the snapshot sent to a newly
// connected subscriber; when nil the last published snapshot is used.
func NewHub(cfg Config, source func() state.Snapshot, recorder Recorder, logger zerolog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Hub{
		cfg:      cfg,
		source:   source,
		recorder: recorder,
		logger:   logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is a local tool; any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish pushes snap to every subscriber if its fingerprint differs from
// the last published snapshot. Returns true if a broadcast happened.
func (h *Hub) Publish(snap state.Snapshot) bool {
	fp, err := snap.Fingerprint()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fingerprint snapshot")
		return false
	}

	h.mu.Lock()
	if h.published && fp == h.lastPrint {
		h.mu.Unlock()
		h.record(false)
		return false
	}
	h.last = snap
	h.lastPrint = fp
	h.published = true
	subs := h.snapshotSubscribers()
	h.mu.Unlock()

	payload, err := encode(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode snapshot")
		return true
	}

	for _, sub := range subs {
		if !sub.enqueue(payload) {
			h.logger.Warn().Str("remote", sub.remote).Msg("subscriber too slow, dropping")
			h.remove(sub)
		}
	}

	h.record(true)
	h.logger.Debug().
		Int("subscribers", len(subs)).
		Int("teams", len(snap.Teams)).
		Int("tasks", len(snap.Tasks)).
		Msg("state broadcast")
	return true
}

// Last returns the last published snapshot.
func (h *Hub) Last() (state.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.published
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ServeHTTP upgrades the request to a WebSocket, sends the current snapshot
// and then keeps the subscriber registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	current := state.Snapshot{Teams: []state.Team{}, Tasks: []state.Task{}, Messages: []state.Message{}}
	if h.source != nil {
		current = h.source()
	}
	payload, err := encode(current)

	sub := newSubscriber(conn, r.RemoteAddr, h.cfg.SendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	// A broadcast that landed between the read above and registration
	// would otherwise be missed.
	if h.published && (h.source == nil || h.last.GeneratedAt.After(current.GeneratedAt)) {
		payload, err = encode(h.last)
	}
	// The catch-up frame is queued under the lock so that any later
	// Publish lands behind it.
	if err == nil {
		sub.enqueue(payload)
	}
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode catch-up snapshot")
	}
	if h.recorder != nil {
		h.recorder.SetSubscribers(count)
	}
	h.logger.Info().Str("remote", sub.remote).Int("subscribers", count).Msg("subscriber connected")

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.snapshotSubscribers()
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, sub := range subs {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = sub.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		sub.close()
	}
	if h.recorder != nil {
		h.recorder.SetSubscribers(0)
	}
	h.logger.Info().Int("subscribers", len(subs)).Msg("hub closed")
}

// readLoop drains client frames so control frames are processed and a
// disconnect is noticed.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)

	pongWait := 2 * h.cfg.PingInterval
	sub.conn.SetReadLimit(4096)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("remote", sub.remote).Msg("subscriber read error")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug().Err(err).Str("remote", sub.remote).Msg("subscriber write failed")
				h.remove(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()

	sub.close()
	if !ok {
		return
	}
	if h.recorder != nil {
		h.recorder.SetSubscribers(count)
	}
	h.logger.Info().Str("remote", sub.remote).Int("subscribers", count).Msg("subscriber disconnected")
}

// snapshotSubscribers copies the registry. Caller must hold h.mu.
func (h *Hub) snapshotSubscribers() []*subscriber {
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) record(sent bool) {
	if h.recorder != nil {
		h.recorder.RecordBroadcast(sent)
	}
}

func encode(snap state.Snapshot) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeStateUpdate, Data: snap})
}

// subscriber is one connected client. Only writeLoop writes data frames.
type subscriber struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(conn *websocket.Conn, remote string, buffer int) *subscriber {
	return &subscriber{
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues payload without blocking. Returns false if the queue is full.
func (s *subscriber) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
