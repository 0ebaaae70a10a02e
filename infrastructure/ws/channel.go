package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"chatsync/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

const (
	eventQueueSize  = 256
	sendQueueSize   = 256
	statusQueueSize = 16
)

// channel holds what the websocket and Redis transports share: the
// connection lifecycle bookkeeping, the inbound event and status feeds, and
// the outbound queue drained by a single writer.
type channel struct {
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	userId string
	cancel context.CancelFunc
	done   chan struct{}
	send   chan []byte

	connected atomic.Bool
	events    chan Envelope
	status    chan bool
}

func (c *channel) init(logger logrus.FieldLogger, m *metrics.Metrics) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c.logger = logger
	c.metrics = m
	c.events = make(chan Envelope, eventQueueSize)
	c.status = make(chan bool, statusQueueSize)
}

func (c *channel) Events() <-chan Envelope {
	return c.events
}

func (c *channel) Status() <-chan bool {
	return c.status
}

func (c *channel) IsConnected() bool {
	return c.connected.Load()
}

// running reports whether a connection loop already serves userId.
func (c *channel) running(userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil && c.userId == userId
}

func (c *channel) start(userId string, cancel context.CancelFunc) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userId = userId
	c.cancel = cancel
	c.done = make(chan struct{})
	return c.done
}

// Disconnect stops the connection loop and waits for it to exit. It is safe
// to call when not connected.
func (c *channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.userId = nil, nil, ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *channel) Emit(command string, payload any) {
	log := c.logger.WithField("command", command)

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	if send == nil || !c.connected.Load() {
		log.Warn("transport not connected, command dropped")
		c.metrics.CommandDropped(command)
		return
	}

	env, err := NewEnvelope(command, payload)
	if err != nil {
		log.WithError(err).Error("encode command payload")
		c.metrics.CommandDropped(command)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).Error("encode command envelope")
		c.metrics.CommandDropped(command)
		return
	}

	select {
	case send <- data:
		c.metrics.CommandEmitted(command)
		log.Debug("command queued")
	default:
		log.Warn("send queue full, command dropped")
		c.metrics.CommandDropped(command)
	}
}

func (c *channel) attach(send chan []byte) {
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	c.setConnected(true)
}

func (c *channel) detach() {
	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	c.setConnected(false)
}

func (c *channel) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.metrics.SetConnected(v)
	if v {
		c.logger.Info("transport connected")
	} else {
		c.logger.Info("transport disconnected")
	}
	select {
	case c.status <- v:
	default:
		c.logger.Warn("status queue full, connection change not published")
	}
}

// deliver hands a raw inbound frame to the event feed. Malformed frames are
// logged and skipped. It returns false once ctx is done.
func (c *channel) deliver(ctx context.Context, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.logger.WithError(err).Warn("malformed inbound frame dropped")
		c.metrics.EventDropped("malformed")
		return true
	}

	select {
	case c.events <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
