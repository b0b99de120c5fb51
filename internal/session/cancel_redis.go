package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCancellations stores cancellation records as short-TTL Redis keys.
// Expiry is enforced by Redis itself; Check fails open to false so that a
// store outage never blocks a legitimate call from ringing.
type RedisCancellations struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time
}

func NewRedisCancellations(rdb *redis.Client, ttl time.Duration) *RedisCancellations {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCancellations{rdb: rdb, ttl: ttl, clock: time.Now}
}

func cancellationKey(roomName, callerID, targetID string) string {
	return fmt.Sprintf("ringlink:cancel:%s:%s:%s", roomName, callerID, targetID)
}

func (r *RedisCancellations) Put(ctx context.Context, rec CancellationRecord) error {
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = r.clock().UTC().Add(r.ttl)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, cancellationKey(rec.RoomName, rec.CallerID, rec.TargetID), payload, r.ttl).Err()
}

func (r *RedisCancellations) Check(ctx context.Context, roomName, callerID, targetID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, cancellationKey(roomName, callerID, targetID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
