//go:build integration

package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
)

func TestKafkaGateway_RoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.1.7",
		redpanda.WithAutoCreateTopics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	g, err := NewKafkaGateway(KafkaConfig{
		Brokers:       []string{broker},
		ConsumerGroup: "profilesync-it",
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	g.Subscribe(TopicSyncRequested, func(_ context.Context, msg Message) error {
		var ev SyncRequested
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, ev.SyncID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = g.Run(runCtx) }()

	for _, id := range []string{"sync_1", "sync_2", "sync_3"} {
		require.NoError(t, g.Publish(ctx, TopicSyncRequested, "cust_1", SyncRequested{CustomerID: "cust_1", SyncID: id}))
	}

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for records")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sync_1", "sync_2", "sync_3"}, got, "same key must keep publish order")
	require.NoError(t, g.Ping(ctx))
}

func TestRedisDeduper(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := NewRedisClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	d := NewRedisDeduper(client, time.Minute)
	require.NoError(t, d.Ping(ctx))

	first, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Release(ctx, "evt_1"))
	afterRelease, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, afterRelease)
}
