package payment

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/outbox"
	"go.uber.org/zap"
)

// markerStore is the subset of the redis client the deduper needs.
type markerStore interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Deduped skips releases that already succeeded, recording a marker per
// milestone after each acknowledged release. When Redis is unavailable the
// release goes through and the processor's idempotency key is relied on.
type Deduped struct {
	next Releaser
	rdb  markerStore
	ttl  time.Duration
	log  *zap.Logger
}

// NewDeduped wraps next with a Redis marker check.
func NewDeduped(next Releaser, rdb markerStore, ttl time.Duration, log *zap.Logger) *Deduped {
	return &Deduped{next: next, rdb: rdb, ttl: ttl, log: logging.OrNop(log)}
}

// NewRedisClient opens the client used for release markers.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (d *Deduped) Release(ctx context.Context, r outbox.Release) error {
	key := outbox.ReleaseDedupeKey(r.MilestoneID)

	n, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		d.log.Warn("release marker check failed, releasing anyway",
			zap.String("milestone_id", r.MilestoneID), zap.Error(err))
	} else if n > 0 {
		d.log.Info("skipped duplicate release", zap.String("milestone_id", r.MilestoneID))
		return nil
	}

	if err := d.next.Release(ctx, r); err != nil {
		return err
	}

	if err := d.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		d.log.Warn("record release marker",
			zap.String("milestone_id", r.MilestoneID), zap.Error(err))
	}
	return nil
}
