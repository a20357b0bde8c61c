package poller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const isolatedTrackerTestRedisDB = 13

// newTestRedis connects to CREDITOPS_TEST_REDIS (default localhost:6379) on
// an isolated database, or skips when nothing answers.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("CREDITOPS_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: isolatedTrackerTestRedisDB})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := client.Ping(ctx).Result()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}

	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisTracker(t *testing.T) {
	tr := NewRedisTracker(newTestRedis(t))
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, tr.Track(ctx, 2, base.Add(time.Second)))
	require.NoError(t, tr.Track(ctx, 1, base))
	require.NoError(t, tr.Track(ctx, 3, base.Add(time.Hour)))

	ids, err := tr.Due(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	// Re-tracking is idempotent.
	require.NoError(t, tr.Track(ctx, 1, base))
	ids, err = tr.Due(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, tr.Forget(ctx, 1))
	ids, err = tr.Due(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)
}

func TestRedisTrackerDeferAndExpired(t *testing.T) {
	client := newTestRedis(t)
	tr := NewRedisTracker(client)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, tr.Track(ctx, 1, base))
	require.NoError(t, tr.Track(ctx, 2, base.Add(time.Second)))
	require.NoError(t, tr.Defer(ctx, 1, base.Add(time.Minute)))

	ids, err := tr.Due(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids)

	ids, err = tr.Expired(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	require.NoError(t, tr.Forget(ctx, 1))
	require.NoError(t, tr.Defer(ctx, 1, base))
	for _, key := range []string{PendingKey, CreatedKey} {
		n, err := client.ZCard(ctx, key).Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, key)
	}
}

func TestRedisTrackerDropsForeignMembers(t *testing.T) {
	client := newTestRedis(t)
	tr := NewRedisTracker(client)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, PendingKey, redis.Z{Score: 1, Member: "not-a-number"}).Err())
	require.NoError(t, tr.Track(ctx, 5, time.Unix(2, 0)))

	ids, err := tr.Due(ctx, time.Unix(10, 0), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)

	n, err := client.ZCard(ctx, PendingKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
