// Package nonceledger implements the nonce ledger (C5): an O(1) duplicate
// test over (reader_id, nonce) pairs with bounded retention, garbage
// collected once entries age past the retention passed to New.
//
// The map-plus-ticker-plus-stopCh shape is grounded directly on the
// teacher's replay-prevention NonceStore
// (internal/security/attack_mitigation.go), generalized from a single
// global nonce namespace to one composite-keyed on (reader_id, nonce) per
// spec §3's NonceRecord.
package nonceledger

import (
	"log"
	"sync"
	"time"
)

// Store is the nonce-ledger contract ingest.Verifier and admin.Surface
// depend on, satisfied by both the in-memory Ledger and the Redis-backed
// RedisLedger (redis.go) — cmd/tollguard-server picks the implementation
// from policy.redis.enabled without widening either caller.
type Store interface {
	SeenOrInsert(readerID, nonce string, now time.Time) bool
	Contains(readerID, nonce string) bool
	Clear(before time.Time) int
	Stop()
}

type key struct {
	readerID string
	nonce    string
}

// Ledger is the in-memory nonce ledger. It satisfies the persistence
// model's "composite unique index on (reader_id, nonce)" (spec §6) without
// a backing database — the relational layer is an external collaborator
// per spec §1, and Ledger is the interface a durable implementation would
// also need to satisfy (see Store).
type Ledger struct {
	mu       sync.Mutex
	entries  map[key]time.Time // observed_at
	retention time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Ledger that retains entries for `retention` and starts its
// background GC sweep.
func New(retention time.Duration) *Ledger {
	l := &Ledger{
		entries:   make(map[key]time.Time),
		retention: retention,
		logger:    log.New(log.Writer(), "[NONCE-LEDGER] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Stop halts the background GC sweep.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SeenOrInsert atomically checks for a duplicate (reader_id, nonce) and, if
// absent, inserts it observed at `now`. Returns true if this call inserted
// a fresh record, false if the pair was already present (a replay).
func (l *Ledger) SeenOrInsert(readerID, nonce string, now time.Time) (inserted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{readerID: readerID, nonce: nonce}
	if _, exists := l.entries[k]; exists {
		return false
	}
	l.entries[k] = now
	return true
}

// Contains reports whether (reader_id, nonce) is already recorded, without
// inserting. Used by callers that need a pure side-effect-free check.
func (l *Ledger) Contains(readerID, nonce string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.entries[key{readerID: readerID, nonce: nonce}]
	return exists
}

// Clear removes every nonce observed strictly before `before` — used by the
// admin clear_nonces operation (spec §4.6).
func (l *Ledger) Clear(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked(before)
}

func (l *Ledger) evictLocked(before time.Time) int {
	removed := 0
	for k, observedAt := range l.entries {
		if observedAt.Before(before) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *Ledger) sweepLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-l.retention)
			removed := l.evictLocked(cutoff)
			l.mu.Unlock()
			if removed > 0 {
				l.logger.Printf("GC swept %d expired nonce records", removed)
			}
		case <-l.stopCh:
			return
		}
	}
}

// Size returns the number of currently retained nonce records.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
