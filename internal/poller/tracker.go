package poller

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PendingKey is the sorted set of unpaid invoice ids, scored by when each
	// should next be checked.
	PendingKey = "creditops:pending_invoices"
	// CreatedKey holds the same ids scored by creation time.
	CreatedKey = "creditops:pending_invoices:created"
)

// Tracker remembers invoices that have been issued but not yet settled.
type Tracker interface {
	Track(ctx context.Context, invoiceID int64, createdAt time.Time) error
	// Due returns up to limit invoice ids whose next check is at or before
	// cutoff, earliest first.
	Due(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	// Expired returns up to limit invoice ids created at or before cutoff.
	Expired(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	// Defer moves a still-pending invoice's next check to at, behind
	// everything already due. Untracked ids are ignored.
	Defer(ctx context.Context, invoiceID int64, at time.Time) error
	Forget(ctx context.Context, invoiceID int64) error
}

type RedisTracker struct {
	client     *redis.Client
	key        string
	createdKey string
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client, key: PendingKey, createdKey: CreatedKey}
}

func (t *RedisTracker) Track(ctx context.Context, invoiceID int64, createdAt time.Time) error {
	member := strconv.FormatInt(invoiceID, 10)
	score := float64(createdAt.Unix())
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, t.key, redis.Z{Score: score, Member: member})
		pipe.ZAdd(ctx, t.createdKey, redis.Z{Score: score, Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("track invoice %d: %w", invoiceID, err)
	}
	return nil
}

func (t *RedisTracker) Due(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return t.rangeBefore(ctx, t.key, cutoff, limit)
}

func (t *RedisTracker) Expired(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return t.rangeBefore(ctx, t.createdKey, cutoff, limit)
}

func (t *RedisTracker) rangeBefore(ctx context.Context, key string, cutoff time.Time, limit int) ([]int64, error) {
	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending invoices: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			// Not ours; drop it so it does not block the head of the set.
			_ = t.client.ZRem(ctx, t.key, m).Err()
			_ = t.client.ZRem(ctx, t.createdKey, m).Err()
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *RedisTracker) Defer(ctx context.Context, invoiceID int64, at time.Time) error {
	err := t.client.ZAddXX(ctx, t.key, redis.Z{
		Score:  float64(at.Unix()),
		Member: strconv.FormatInt(invoiceID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("defer invoice %d: %w", invoiceID, err)
	}
	return nil
}

func (t *RedisTracker) Forget(ctx context.Context, invoiceID int64) error {
	member := strconv.FormatInt(invoiceID, 10)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, t.key, member)
		pipe.ZRem(ctx, t.createdKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget invoice %d: %w", invoiceID, err)
	}
	return nil
}

type pendingInvoice struct {
	createdAt time.Time
	nextCheck time.Time
}

// MemoryTracker is a Tracker for tests and single-process runs without Redis.
type MemoryTracker struct {
	mu      sync.Mutex
	pending map[int64]pendingInvoice
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{pending: make(map[int64]pendingInvoice)}
}

func (t *MemoryTracker) Track(ctx context.Context, invoiceID int64, createdAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[invoiceID] = pendingInvoice{createdAt: createdAt, nextCheck: createdAt}
	return nil
}

func (t *MemoryTracker) Due(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return t.before(cutoff, limit, func(p pendingInvoice) time.Time { return p.nextCheck }), nil
}

func (t *MemoryTracker) Expired(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return t.before(cutoff, limit, func(p pendingInvoice) time.Time { return p.createdAt }), nil
}

func (t *MemoryTracker) before(cutoff time.Time, limit int, score func(pendingInvoice) time.Time) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int64, 0, len(t.pending))
	for id, p := range t.pending {
		if !score(p).After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := score(t.pending[ids[i]]), score(t.pending[ids[j]])
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (t *MemoryTracker) Defer(ctx context.Context, invoiceID int64, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[invoiceID]; ok {
		p.nextCheck = at
		t.pending[invoiceID] = p
	}
	return nil
}

func (t *MemoryTracker) Forget(ctx context.Context, invoiceID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, invoiceID)
	return nil
}

func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
