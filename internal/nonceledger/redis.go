package nonceledger

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger backs the (reader_id, nonce) uniqueness check with Redis SETNX,
// so replay protection survives process restarts and is shared across
// horizontally scaled ingest instances. Grounded on the teacher's Redis
// adapter (_examples/Generativebots-ocx-backend-go-svc/internal/infra/redis_adapter.go),
// whose connect-with-fallback idiom is preserved here: if Redis is
// unreachable at construction time, NewRedis falls back to the in-memory Ledger
// rather than failing startup.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
	fallback  *Ledger
	logger    *log.Logger
}

// NewRedis attempts to connect to addr/db and returns a RedisLedger. If the
// ping fails, it logs a warning and returns a ledger backed purely by the
// in-memory fallback so ingest keeps working in a single-instance
// deployment without Redis configured.
func NewRedis(addr, password string, db int, retention time.Duration) *RedisLedger {
	logger := log.New(log.Writer(), "[NONCE-LEDGER-REDIS] ", log.LstdFlags)

	rl := &RedisLedger{
		retention: retention,
		fallback:  New(retention),
		logger:    logger,
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Printf("redis unreachable at %s, falling back to in-memory nonce ledger: %v", addr, err)
		return rl
	}

	rl.client = client
	return rl
}

// Stop releases the in-memory fallback's background sweep and closes the
// Redis client, if connected.
func (rl *RedisLedger) Stop() {
	rl.fallback.Stop()
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

// SeenOrInsert mirrors Ledger.SeenOrInsert (satisfying Store), keyed with
// SETNX and a TTL of retention so a replayed nonce is rejected for exactly
// as long as the in-memory ledger would have remembered it. When Redis is
// unavailable it degrades to the in-memory fallback so a transient outage
// trades cross-instance replay protection for availability, never an
// outright ingest failure.
func (rl *RedisLedger) SeenOrInsert(readerID, nonce string, now time.Time) bool {
	if rl.client == nil {
		return rl.fallback.SeenOrInsert(readerID, nonce, now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := rl.client.SetNX(ctx, redisNonceKey(readerID, nonce), now.Unix(), rl.retention).Result()
	if err != nil {
		rl.logger.Printf("redis SETNX failed, falling back to in-memory check: %v", err)
		return rl.fallback.SeenOrInsert(readerID, nonce, now)
	}
	return ok
}

// Contains mirrors Ledger.Contains (satisfying Store): a pure side-effect-
// free peek, used by Verifier.Accept to classify a duplicate as REPLAY
// before SeenOrInsert would otherwise insert it as fresh.
func (rl *RedisLedger) Contains(readerID, nonce string) bool {
	if rl.client == nil {
		return rl.fallback.Contains(readerID, nonce)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := rl.client.Exists(ctx, redisNonceKey(readerID, nonce)).Result()
	if err != nil {
		rl.logger.Printf("redis EXISTS failed, falling back to in-memory check: %v", err)
		return rl.fallback.Contains(readerID, nonce)
	}
	return n > 0
}

// Clear satisfies Store for the admin clear_nonces operation, but only
// purges the in-memory fallback. Connected Redis entries are left to their
// SETNX-assigned TTL: SCANning and deleting the whole nonce keyspace on
// every admin call would cost far more than the GC sweep it would replace,
// and retention already bounds how long a stale entry can live.
func (rl *RedisLedger) Clear(before time.Time) int {
	return rl.fallback.Clear(before)
}

func redisNonceKey(readerID, nonce string) string {
	return "tollguard:nonce:" + readerID + ":" + nonce
}
