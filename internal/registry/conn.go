package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const sendBufferSize = 16

var pongFrame = []byte(`{"type":"pong"}`)

// Transport is one live client session. Implemented by the coder/websocket
// adapter in production and by fakes in tests.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// HeartbeatConfig controls the per-connection liveness state machine.
type HeartbeatConfig struct {
	// IdleTimeout is how long a connection may go without an inbound
	// frame before a probe is sent.
	IdleTimeout time.Duration
	// ProbeTimeout is how long an unanswered probe may remain open.
	ProbeTimeout time.Duration
}

// Conn binds one transport session to one identity for its lifetime. The
// registry owns the Conn; the Conn owns the transport and releases it
// exactly once, after it has been unregistered.
type Conn struct {
	id          string
	handle      string
	transport   Transport
	send        chan []byte
	registry    *Registry
	hb          HeartbeatConfig
	lastInbound atomic.Int64 // unix nanos
	logger      *slog.Logger
}

func NewConn(reg *Registry, transport Transport, handle string, hb HeartbeatConfig, logger *slog.Logger) *Conn {
	if hb.IdleTimeout <= 0 {
		hb.IdleTimeout = 30 * time.Second
	}
	if hb.ProbeTimeout <= 0 {
		hb.ProbeTimeout = 5 * time.Second
	}
	return &Conn{
		id:        uuid.NewString(),
		handle:    handle,
		transport: transport,
		send:      make(chan []byte, sendBufferSize),
		registry:  reg,
		hb:        hb,
		logger:    logger,
	}
}

// Handle returns the identity this connection belongs to.
func (c *Conn) Handle() string { return c.handle }

// Run registers the connection, pumps frames in both directions, and
// blocks until the session ends. Unregistration happens before the
// transport is released so no push can race a closing handle.
func (c *Conn) Run(ctx context.Context) {
	c.registry.Register(c)

	ctx, cancel := context.WithCancel(ctx)

	c.touch()
	go c.writePump(ctx, cancel)
	c.readPump(ctx)

	cancel()
	c.registry.Unregister(c)
	c.transport.Close()
}

func (c *Conn) touch() {
	c.lastInbound.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastInbound.Load())
}

// readPump consumes inbound frames. Every frame, of any type, resets the
// liveness clock; a client ping additionally gets an immediate pong.
func (c *Conn) readPump(ctx context.Context) {
	for {
		data, err := c.transport.Read(ctx)
		if err != nil {
			c.logger.Debug("connection read ended", "handle", c.handle, "conn", c.id, "error", err)
			return
		}
		c.touch()

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("unparseable frame ignored", "handle", c.handle, "conn", c.id)
			continue
		}
		if frame.Type == "ping" {
			select {
			case c.send <- pongFrame:
			default:
			}
		}
	}
}

// writePump drains the send channel and runs the heartbeat state machine:
// idle past IdleTimeout sends a probe; a probe unanswered within
// ProbeTimeout ends the session.
func (c *Conn) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	idle := time.NewTimer(c.hb.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Registry closed the channel: the connection is done.
				return
			}
			if err := c.transport.Write(ctx, msg); err != nil {
				c.logger.Debug("connection write failed", "handle", c.handle, "conn", c.id, "error", err)
				return
			}
		case <-idle.C:
			if remaining := c.hb.IdleTimeout - c.idleFor(); remaining > 0 {
				// Inbound traffic arrived since the timer was armed.
				idle.Reset(remaining)
				continue
			}
			if !c.probe(ctx) {
				c.logger.Debug("heartbeat probe unanswered, closing", "handle", c.handle, "conn", c.id)
				return
			}
			c.touch()
			idle.Reset(c.hb.IdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) probe(ctx context.Context) bool {
	pctx, pcancel := context.WithTimeout(ctx, c.hb.ProbeTimeout)
	defer pcancel()
	return c.transport.Ping(pctx) == nil
}
