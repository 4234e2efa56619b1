//go:build integration

package rediscache

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/bissquit/notification-distributor/internal/distribution"
	redisutil "github.com/bissquit/notification-distributor/internal/pkg/redis"
	"github.com/bissquit/notification-distributor/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}

	testClient, err = redisutil.Connect(ctx, redisutil.Config{
		URL:             container.URL,
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 3,
		RetryInterval:   time.Second,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	_ = testClient.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate redis: %v", err)
	}
	os.Exit(code)
}

func TestRuleRepository_CachesRuleSet(t *testing.T) {
	ctx := context.Background()
	inner := &countingRepository{sets: map[string]*distribution.RuleSet{
		"orders/order.created": sampleRuleSet(),
	}}
	repo := New(inner, testClient, Config{KeyPrefix: "test-cache", TTL: time.Minute})
	t.Cleanup(func() { _ = repo.Invalidate(ctx, "orders", "order.created") })

	first, err := repo.FindRuleSet(ctx, "orders", "order.created")
	require.NoError(t, err)

	second, err := repo.FindRuleSet(ctx, "orders", "order.created")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first.Event, second.Event)
	require.Len(t, second.Rules, 1)
	assert.Equal(t, "eu", second.Rules[0].Metadata["region"])
	assert.Equal(t, "order-created", second.Rules[0].Templates["EMAIL"].Name)
	assert.Equal(t, first.Subscriptions, second.Subscriptions)

	require.NoError(t, repo.Invalidate(ctx, "orders", "order.created"))
	_, err = repo.FindRuleSet(ctx, "orders", "order.created")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestRuleRepository_CachesNotFound(t *testing.T) {
	ctx := context.Background()
	inner := &countingRepository{}
	repo := New(inner, testClient, Config{KeyPrefix: "test-cache", TTL: time.Minute, NotFoundTTL: time.Minute})
	t.Cleanup(func() { _ = repo.Invalidate(ctx, "orders", "gone") })

	_, err := repo.FindRuleSet(ctx, "orders", "gone")
	assert.ErrorIs(t, err, distribution.ErrNotFound)

	_, err = repo.FindRuleSet(ctx, "orders", "gone")
	assert.ErrorIs(t, err, distribution.ErrNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestHealthcheck(t *testing.T) {
	check := redisutil.Healthcheck(testClient)
	assert.NoError(t, check(context.Background()))
}
