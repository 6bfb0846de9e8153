package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// revocationSetKey is the Redis set the auth service adds invalidated session
// ids to. The gateway only ever reads it.
const revocationSetKey = "auth:revoked_sessions"

// RevocationSet is a read-through view of the externally-maintained set of
// revoked session ids. Lookups hit Redis; results are cached in-process for a
// short TTL so hot sessions do not round-trip on every request.
type RevocationSet struct {
	redis    *redis.Client
	logger   *slog.Logger
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedVerdict
}

type cachedVerdict struct {
	revoked bool
	until   time.Time
}

// NewRevocationSet creates a revocation set backed by the given Redis client.
func NewRevocationSet(rdb *redis.Client, logger *slog.Logger) *RevocationSet {
	return &RevocationSet{
		redis:    rdb,
		logger:   logger,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]cachedVerdict),
	}
}

// IsRevoked reports whether the session id is in the revocation set. On a
// Redis failure the set degrades open: the session is treated as live and the
// failure is logged, matching the eventually-consistent contract.
func (rs *RevocationSet) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	rs.mu.RLock()
	if v, ok := rs.cache[sessionID]; ok && time.Now().Before(v.until) {
		rs.mu.RUnlock()
		return v.revoked, nil
	}
	rs.mu.RUnlock()

	revoked, err := rs.redis.SIsMember(ctx, revocationSetKey, sessionID).Result()
	if err != nil {
		rs.logger.Warn("revocation set lookup failed, treating session as live",
			"error", err)
		return false, nil
	}

	rs.mu.Lock()
	rs.cache[sessionID] = cachedVerdict{revoked: revoked, until: time.Now().Add(rs.cacheTTL)}
	// Opportunistic sweep so the cache cannot grow without bound.
	if len(rs.cache) > 4096 {
		now := time.Now()
		for k, v := range rs.cache {
			if now.After(v.until) {
				delete(rs.cache, k)
			}
		}
	}
	rs.mu.Unlock()

	return revoked, nil
}

// Size returns the current cardinality of the revocation set, for the status
// endpoint.
func (rs *RevocationSet) Size(ctx context.Context) (int64, error) {
	n, err := rs.redis.SCard(ctx, revocationSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading revocation set size: %w", err)
	}
	return n, nil
}
