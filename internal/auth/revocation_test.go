package auth

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRevocationSet(t *testing.T) (*RevocationSet, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRevocationSet(rdb, slog.Default()), rdb, mr
}

func TestRevocationSet(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked session is detected", func(t *testing.T) {
		rs, rdb, _ := newTestRevocationSet(t)
		if err := rdb.SAdd(ctx, revocationSetKey, "sess-dead").Err(); err != nil {
			t.Fatalf("seeding revocation set: %v", err)
		}

		revoked, err := rs.IsRevoked(ctx, "sess-dead")
		if err != nil {
			t.Fatalf("IsRevoked() error: %v", err)
		}
		if !revoked {
			t.Error("IsRevoked() = false, want true")
		}
	})

	t.Run("unknown session is live", func(t *testing.T) {
		rs, _, _ := newTestRevocationSet(t)

		revoked, err := rs.IsRevoked(ctx, "sess-live")
		if err != nil {
			t.Fatalf("IsRevoked() error: %v", err)
		}
		if revoked {
			t.Error("IsRevoked() = true, want false")
		}
	})

	t.Run("verdicts are cached", func(t *testing.T) {
		rs, rdb, _ := newTestRevocationSet(t)
		if err := rdb.SAdd(ctx, revocationSetKey, "sess-dead").Err(); err != nil {
			t.Fatalf("seeding revocation set: %v", err)
		}

		if revoked, _ := rs.IsRevoked(ctx, "sess-dead"); !revoked {
			t.Fatal("first lookup: IsRevoked() = false, want true")
		}

		// Removing the entry does not change the cached verdict within TTL.
		if err := rdb.SRem(ctx, revocationSetKey, "sess-dead").Err(); err != nil {
			t.Fatalf("clearing revocation set: %v", err)
		}
		if revoked, _ := rs.IsRevoked(ctx, "sess-dead"); !revoked {
			t.Error("cached lookup: IsRevoked() = false, want true")
		}
	})

	t.Run("degrades open on redis failure", func(t *testing.T) {
		rs, _, mr := newTestRevocationSet(t)
		mr.Close()

		revoked, err := rs.IsRevoked(ctx, "sess-any")
		if err != nil {
			t.Fatalf("IsRevoked() error: %v, want degraded-open nil", err)
		}
		if revoked {
			t.Error("IsRevoked() = true, want false on redis failure")
		}
	})
}
