package ws

import (
	"context"
	"encoding/json"

	"chatsync/infrastructure/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const commandsChannel = "commands"

func eventsChannel(userId string) string {
	return "events:" + userId
}

// RedisMessage wraps an outbound envelope published on the commands channel.
type RedisMessage struct {
	FromClientId string          `json:"fromClientId"`
	UserId       string          `json:"userId"`
	Payload      json.RawMessage `json:"payload"`
}

type RedisOptions struct {
	Addr     string
	ClientId string
	Client   *redis.Client
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// RedisChannel receives events from "events:<userId>" and publishes commands
// to "commands". Reconnection is handled by the Redis client itself.
type RedisChannel struct {
	channel
	rdb      *redis.Client
	clientId string
}

func NewRedisChannel(opts RedisOptions) *RedisChannel {
	rdb := opts.Client
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: opts.Addr,
		})
	}

	c := &RedisChannel{
		rdb:      rdb,
		clientId: opts.ClientId,
	}
	c.init(opts.Logger, opts.Metrics)
	c.logger = c.logger.WithFields(logrus.Fields{
		"transport": "redis",
		"clientId":  opts.ClientId,
	})
	return c
}

func (c *RedisChannel) Connect(ctx context.Context, userId string) error {
	if userId == "" {
		return ErrMissingUserId
	}
	if c.running(userId) {
		return nil
	}
	c.Disconnect()

	pubsub := c.rdb.Subscribe(ctx, eventsChannel(userId))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := c.start(userId, cancel)

	send := make(chan []byte, sendQueueSize)
	c.attach(send)

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		c.publish(runCtx, userId, send)
	}()
	go func() {
		defer close(done)
		c.subscribe(runCtx, pubsub)
		c.detach()
		_ = pubsub.Close()
		<-publisherDone
	}()

	c.logger.WithField("userId", userId).Info("subscribed to redis events")
	return nil
}

func (c *RedisChannel) subscribe(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !c.deliver(ctx, []byte(msg.Payload)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// publish drains the send queue in order so commands reach Redis in the
// sequence they were emitted.
func (c *RedisChannel) publish(ctx context.Context, userId string, send <-chan []byte) {
	for {
		select {
		case payload := <-send:
			msg, err := json.Marshal(RedisMessage{
				FromClientId: c.clientId,
				UserId:       userId,
				Payload:      payload,
			})
			if err != nil {
				c.logger.WithError(err).Error("encode redis message")
				continue
			}

			pubCtx, cancel := context.WithTimeout(ctx, writeWait)
			err = c.rdb.Publish(pubCtx, commandsChannel, msg).Err()
			cancel()
			if err != nil {
				c.logger.WithError(err).Warn("publish command to redis")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *RedisChannel) Close() error {
	c.Disconnect()
	return c.rdb.Close()
}

var _ IChannel = (*RedisChannel)(nil)
var _ IChannel = (*WebsocketChannel)(nil)
