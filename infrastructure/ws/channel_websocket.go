package ws

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"chatsync/infrastructure/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type WebsocketOptions struct {
	Url        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// WebsocketChannel keeps one websocket open per user and redials with
// exponential backoff when it drops.
type WebsocketChannel struct {
	channel
	opts WebsocketOptions
}

func NewWebsocketChannel(opts WebsocketOptions) *WebsocketChannel {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}

	c := &WebsocketChannel{opts: opts}
	c.init(opts.Logger, opts.Metrics)
	c.logger = c.logger.WithField("transport", "websocket")
	return c
}

// Connect starts the dial loop for userId and returns without waiting for
// the first connection. Calling it again for the same user is a no-op; a
// different user replaces the current connection.
func (c *WebsocketChannel) Connect(ctx context.Context, userId string) error {
	if userId == "" {
		return ErrMissingUserId
	}
	if c.running(userId) {
		return nil
	}
	c.Disconnect()

	endpoint, err := c.endpoint(userId)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := c.start(userId, cancel)
	go c.run(runCtx, endpoint, done)

	return nil
}

func (c *WebsocketChannel) endpoint(userId string) (string, error) {
	u, err := url.Parse(c.opts.Url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("userId", userId)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WebsocketChannel) header() http.Header {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

func (c *WebsocketChannel) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)

	backoff := c.opts.MinBackoff
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, c.header())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("retryIn", backoff.String()).Warn("websocket dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}

		backoff = c.opts.MinBackoff
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *WebsocketChannel) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendQueueSize)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	c.attach(send)

	go func() {
		defer close(writerDone)
		c.writePump(ctx, conn, send, stop)
	}()
	c.readPump(ctx, conn)

	c.detach()
	close(stop)
	<-writerDone
	_ = conn.Close()
}

func (c *WebsocketChannel) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("websocket read failed")
			}
			return
		}
		if !c.deliver(ctx, data) {
			return
		}
	}
}

func (c *WebsocketChannel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.WithError(err).Warn("websocket write failed")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-stop:
			return
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
