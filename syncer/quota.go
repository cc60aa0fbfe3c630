package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// QuotaObserver counts provider calls so operators can see how close each
// provider is to its quota.
type QuotaObserver interface {
	Observe(ctx context.Context, provider string, rateLimited bool)
	Usage(ctx context.Context, provider string) (QuotaUsage, error)
}

// QuotaUsage covers the current one-minute bucket.
type QuotaUsage struct {
	Requests    int64 `json:"requests"`
	RateLimited int64 `json:"rate_limited"`
}

type nopQuota struct{}

// NopQuotaObserver discards observations.
func NopQuotaObserver() QuotaObserver { return nopQuota{} }

func (nopQuota) Observe(context.Context, string, bool) {}
func (nopQuota) Usage(context.Context, string) (QuotaUsage, error) {
	return QuotaUsage{}, nil
}

// RedisQuotaObserver keeps per-minute counters shared by every process
// syncing against the same provider.
type RedisQuotaObserver struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQuotaObserver(client *redis.Client) *RedisQuotaObserver {
	return &RedisQuotaObserver{client: client, now: time.Now}
}

const quotaBucketTTL = 2 * time.Minute

func (r *RedisQuotaObserver) keys(provider string, at time.Time) (string, string) {
	bucket := at.UTC().Format("200601021504")
	return fmt.Sprintf("quota:%s:%s:requests", provider, bucket),
		fmt.Sprintf("quota:%s:%s:rate_limited", provider, bucket)
}

func (r *RedisQuotaObserver) Observe(ctx context.Context, provider string, rateLimited bool) {
	reqKey, rlKey := r.keys(provider, r.now())

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, reqKey)
	pipe.Expire(ctx, reqKey, quotaBucketTTL)
	if rateLimited {
		pipe.Incr(ctx, rlKey)
		pipe.Expire(ctx, rlKey, quotaBucketTTL)
	}
	// Usage accounting never blocks a sync.
	_, _ = pipe.Exec(ctx)
}

func (r *RedisQuotaObserver) Usage(ctx context.Context, provider string) (QuotaUsage, error) {
	reqKey, rlKey := r.keys(provider, r.now())

	var usage QuotaUsage
	var err error
	if usage.Requests, err = r.readCounter(ctx, reqKey); err != nil {
		return usage, err
	}
	if usage.RateLimited, err = r.readCounter(ctx, rlKey); err != nil {
		return usage, err
	}
	return usage, nil
}

func (r *RedisQuotaObserver) readCounter(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
