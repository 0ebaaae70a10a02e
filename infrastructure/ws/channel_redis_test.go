package ws

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func Test_RedisChannelNames(t *testing.T) {
	assert.Equal(t, "events:u1", eventsChannel("u1"))
}

func Test_RedisConnectFailsWithoutServer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedisChannel(RedisOptions{ClientId: "client-1", Client: rdb, Logger: logger})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.ErrorIs(t, c.Connect(ctx, ""), ErrMissingUserId)
	assert.Error(t, c.Connect(ctx, "u1"))
	assert.False(t, c.IsConnected())
	assert.NotPanics(t, func() { c.Emit("joinRoom", nil) }, "emit while disconnected is dropped")
}
