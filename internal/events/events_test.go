package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/pkg/logger"
	sharedredis "crisis-intervention/backend/shared/redis"
)

func setupRedis(t *testing.T) *sharedredis.RedisClient {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := sharedredis.NewRedisClient(context.Background(), sharedredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestRedisPublisher_DeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)

	sub := client.Subscribe(ctx, "crisis.events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "crisis.events", logger.Discard())
	require.NoError(t, pub.Publish(ctx, Event{
		Type:        SessionEscalated,
		SessionID:   "s1",
		CrisisLevel: models.CrisisHigh,
		Status:      "emergency",
	}))

	select {
	case msg := <-sub.Channel():
		var e Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		assert.Equal(t, SessionEscalated, e.Type)
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, models.CrisisHigh, e.CrisisLevel)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestRedisClient_FailsFastWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sharedredis.NewRedisClient(ctx, sharedredis.Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{Type: SessionCreated}))
}
