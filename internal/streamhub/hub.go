package streamhub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/modelgrid/modelgrid/internal/metrics"
	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
)

// Config holds hub tunables.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	QueueSize         int
	ReconnectWindow   time.Duration
	OverflowPolicy    OverflowPolicy
	ReplayLimit       int
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         256,
		ReconnectWindow:   5 * time.Minute,
		OverflowPolicy:    DropOldest,
		ReplayLimit:       200,
	}
}

// ConnLimitFunc returns the concurrent connection cap for a tenant.
// A non-positive return means unlimited.
type ConnLimitFunc func(tenantID string) int

type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	Since   int64  `json:"since,omitempty"`
}

type bufferedEvent struct {
	ev *Event
	at time.Time
}

// Hub owns this node's stream connections. Published events reach local
// subscribers directly and peer nodes through the bus; a short replay
// buffer per channel lets reconnecting clients catch up on what they
// missed.
type Hub struct {
	cfg    Config
	bus    Bus
	logger *slog.Logger
	limit  ConnLimitFunc

	mu          sync.RWMutex
	connections map[string]*Conn
	channels    map[string]map[string]bool
	byTenant    map[string]int

	seqMu   sync.Mutex
	seq     map[string]int64
	replay  map[string][]bufferedEvent
	started bool
}

// NewHub creates a hub over the given bus. limit may be nil.
func NewHub(cfg Config, bus Bus, limit ConnLimitFunc, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = def.ReconnectWindow
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = def.ReplayLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:         cfg,
		bus:         bus,
		logger:      logger,
		limit:       limit,
		connections: make(map[string]*Conn),
		channels:    make(map[string]map[string]bool),
		byTenant:    make(map[string]int),
		seq:         make(map[string]int64),
		replay:      make(map[string][]bufferedEvent),
	}
}

// Start subscribes to the bus and launches the idle reaper.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	if err := h.bus.Subscribe(ctx, h.deliverLocal); err != nil {
		return err
	}
	go h.reapIdle(ctx)
	return nil
}

// Publish assigns the next sequence number, buffers for replay, delivers
// to local subscribers, and forwards to peer nodes.
func (h *Hub) Publish(ctx context.Context, channel, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	h.seqMu.Lock()
	h.seq[channel]++
	ev := &Event{
		Seq:     h.seq[channel],
		Channel: channel,
		Type:    eventType,
		Data:    payload,
	}
	h.bufferLocked(ev)
	h.seqMu.Unlock()

	h.deliverLocal(ev)
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Warn("bus publish failed", "channel", channel, "error", err)
	}
	return nil
}

func (h *Hub) bufferLocked(ev *Event) {
	buf := append(h.replay[ev.Channel], bufferedEvent{ev: ev, at: time.Now()})
	cutoff := time.Now().Add(-h.cfg.ReconnectWindow)
	start := 0
	for start < len(buf) && (buf[start].at.Before(cutoff) || len(buf)-start > h.cfg.ReplayLimit) {
		start++
	}
	h.replay[ev.Channel] = buf[start:]
}

// deliverLocal fans an event out to this node's subscribers.
func (h *Hub) deliverLocal(ev *Event) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.channels[ev.Channel]))
	for id := range h.channels[ev.Channel] {
		ids = append(ids, id)
	}
	conns := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Enqueue(ev)
	}
}

// HandleConnection runs the lifecycle of one websocket client: register,
// serve the read loop, unregister. Blocks until the connection closes.
func (h *Hub) HandleConnection(ctx context.Context, sock *websocket.Conn, tenantID string) error {
	if err := h.admit(tenantID); err != nil {
		_ = sock.Close(websocket.StatusPolicyViolation, "connection limit reached")
		return err
	}

	c := newConn(ctx, uuid.NewString(), tenantID, sock, h.cfg.QueueSize, h.cfg.OverflowPolicy)
	c.onClose = h.unregister
	h.register(c)

	go c.writeLoop(h.cfg.WriteTimeout, h.cfg.HeartbeatInterval)

	h.sendControl(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})
	metrics.StreamEvents.WithLabelValues("opened").Inc()

	for {
		_, data, err := sock.Read(c.ctx)
		if err != nil {
			c.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		c.Touch()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid stream message", "connection_id", c.ID, "error", err)
			continue
		}
		h.handleMessage(c, &msg)
	}
}

func (h *Hub) handleMessage(c *Conn, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendControl(c, map[string]string{"type": "error", "message": "channel is required"})
			return
		}
		h.subscribe(c, msg.Channel)
		h.sendControl(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		if msg.Since > 0 {
			h.catchup(c, msg.Channel, msg.Since)
		}

	case "unsubscribe":
		if msg.Channel == "" {
			return
		}
		h.mu.Lock()
		if subs, ok := h.channels[msg.Channel]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(h.channels, msg.Channel)
			}
		}
		h.mu.Unlock()
		c.unsubscribe(msg.Channel)

	case "catchup":
		if msg.Channel != "" && msg.Since >= 0 {
			h.catchup(c, msg.Channel, msg.Since)
			metrics.StreamEvents.WithLabelValues("reconnected").Inc()
		}

	case "ping":
		h.sendControl(c, map[string]string{"type": "pong"})
	}
}

// catchup replays buffered events with Seq greater than since. If the
// client missed more than the buffer holds, an overflow notice tells it
// to reload state out of band.
func (h *Hub) catchup(c *Conn, channel string, since int64) {
	h.seqMu.Lock()
	buf := h.replay[channel]
	var missed []*Event
	for _, be := range buf {
		if be.ev.Seq > since {
			missed = append(missed, be.ev)
		}
	}
	overflow := len(buf) > 0 && buf[0].ev.Seq > since+1
	h.seqMu.Unlock()

	if overflow {
		h.sendControl(c, map[string]string{"type": "catchup.overflow", "channel": channel})
		return
	}
	for _, ev := range missed {
		c.Enqueue(ev)
	}
}

func (h *Hub) subscribe(c *Conn, channel string) {
	h.mu.Lock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.ID] = true
	h.mu.Unlock()
	c.subscribe(channel)
}

func (h *Hub) admit(tenantID string) error {
	if h.limit == nil {
		return nil
	}
	max := h.limit(tenantID)
	if max <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.byTenant[tenantID] >= max {
		return gwerrors.RateLimited("concurrent connection limit reached", 0)
	}
	return nil
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
	h.byTenant[c.TenantID]++
	metrics.ActiveStreams.Set(float64(len(h.connections)))
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c.ID]; !ok {
		return
	}
	delete(h.connections, c.ID)
	if h.byTenant[c.TenantID] > 0 {
		h.byTenant[c.TenantID]--
	}
	for _, channel := range c.channels() {
		if subs, ok := h.channels[channel]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	metrics.ActiveStreams.Set(float64(len(h.connections)))
	metrics.StreamEvents.WithLabelValues("closed").Inc()
}

func (h *Hub) sendControl(c *Conn, payload map[string]string) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.Enqueue(&Event{Channel: "", Type: "control", Data: data})
}

// reapIdle closes connections with no client activity past the idle
// timeout. Heartbeat pings keep the transport alive; this catches clients
// that stopped reading entirely.
func (h *Hub) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.IdleTimeout)
			h.mu.RLock()
			var stale []*Conn
			for _, c := range h.connections {
				if c.IdleSince().Before(cutoff) {
					stale = append(stale, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range stale {
				h.logger.Info("closing idle stream connection", "connection_id", c.ID)
				c.Close(websocket.StatusGoingAway, "idle timeout")
			}
		}
	}
}

// Presence returns the connection IDs subscribed to a channel on this node.
func (h *Hub) Presence(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		out = append(out, id)
	}
	return out
}

// ActiveConnections returns this node's open connection count.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// TenantConnections returns a tenant's open connection count on this node.
func (h *Hub) TenantConnections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byTenant[tenantID]
}
