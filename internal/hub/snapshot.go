package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps the last-known payload per (subject, kind) in Redis so
// new subscribers get an initial snapshot without waiting for the next
// publication. Entries expire; stale drones simply have no snapshot.
type SnapshotCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache creates the snapshot cache.
func NewSnapshotCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	return &SnapshotCache{redis: rdb, ttl: ttl, logger: logger}
}

func snapshotKey(subject string, kind Kind) string {
	return fmt.Sprintf("rt:snapshot:%s:%s", kind, subject)
}

// Store records the latest payload for (subject, kind).
func (sc *SnapshotCache) Store(ctx context.Context, subject string, kind Kind, payload []byte) error {
	if err := sc.redis.Set(ctx, snapshotKey(subject, kind), payload, sc.ttl).Err(); err != nil {
		return fmt.Errorf("storing snapshot for %s/%s: %w", subject, kind, err)
	}
	return nil
}

// Get returns the last-known payload for (subject, kind), if any. Failures
// degrade to "no snapshot"; initial snapshots are best-effort.
func (sc *SnapshotCache) Get(ctx context.Context, subject string, kind Kind) (json.RawMessage, bool) {
	raw, err := sc.redis.Get(ctx, snapshotKey(subject, kind)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			sc.logger.Warn("reading snapshot", "subject", subject, "kind", string(kind), "error", err)
		}
		return nil, false
	}
	return raw, true
}
