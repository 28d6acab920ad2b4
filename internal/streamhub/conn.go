package streamhub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/modelgrid/modelgrid/internal/metrics"
)

// OverflowPolicy decides what happens when a connection's send queue
// fills because the client reads too slowly.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room. Suitable
	// for status feeds where only recent state matters.
	DropOldest OverflowPolicy = iota
	// Disconnect closes the connection; the client reconnects and
	// catches up from its last event ID.
	Disconnect
)

// Conn is one subscriber connection. Writes go through a bounded queue
// serviced by a single writer goroutine, so a slow client never blocks
// the hub's fan-out path.
type Conn struct {
	ID       string
	TenantID string
	sock     *websocket.Conn
	policy   OverflowPolicy

	queue  chan *Event
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]bool
	lastSeen      time.Time
	dropped       int64

	closeOnce sync.Once
	onClose   func(*Conn)
}

func newConn(ctx context.Context, id, tenantID string, sock *websocket.Conn, queueSize int, policy OverflowPolicy) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	return &Conn{
		ID:            id,
		TenantID:      tenantID,
		sock:          sock,
		policy:        policy,
		queue:         make(chan *Event, queueSize),
		ctx:           cctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
		lastSeen:      time.Now(),
	}
}

// Enqueue queues an event for delivery, applying the overflow policy when
// the queue is full.
func (c *Conn) Enqueue(ev *Event) {
	select {
	case c.queue <- ev:
		return
	default:
	}

	switch c.policy {
	case DropOldest:
		select {
		case <-c.queue:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			metrics.StreamEvents.WithLabelValues("dropped").Inc()
		default:
		}
		select {
		case c.queue <- ev:
		default:
		}
	case Disconnect:
		metrics.StreamEvents.WithLabelValues("dropped").Inc()
		c.Close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

// writeLoop drains the queue onto the socket and emits heartbeats. It
// exits when the context ends or a write fails.
func (c *Conn) writeLoop(writeTimeout, heartbeatInterval time.Duration) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case ev := <-c.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.write(payload, writeTimeout); err != nil {
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}

		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.sock.Ping(ctx)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "heartbeat failed")
				return
			}
		}
	}
}

func (c *Conn) write(payload []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, payload)
}

// Touch records client activity for idle tracking.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// IdleSince returns the time of last client activity.
func (c *Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Dropped returns how many events overflow has discarded.
func (c *Conn) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Conn) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = true
}

func (c *Conn) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

func (c *Conn) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// Close tears the connection down exactly once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.sock.Close(code, reason)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
