// Package anchor implements the blockchain anchoring queue (C11): it
// accumulates VDF links into Merkle-rooted batches and submits them to an
// external ledger with exponential-backoff-plus-full-jitter retry, never
// dropping events even under sustained backpressure (spec §4.5).
//
// Grounded on the teacher's background-worker-with-retry idiom in
// _examples/Generativebots-ocx-backend-go-svc/internal/ledger/client.go
// (the async submit-with-fallback-log pattern) and the pack's circuit
// breaker (internal/circuitbreaker) for the backoff/trip state machine
// wrapping ledgerclient.Client.
package anchor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ocx/tollguard/internal/circuitbreaker"
	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/ledgerclient"
	"github.com/ocx/tollguard/internal/merkle"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/vdf"
)

// Status values for an Anchor batch.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Anchor is one batch of VDF links submitted (or awaiting submission) to
// the external ledger.
type Anchor struct {
	ID             string
	Links          []vdf.Link
	RootHash       string
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	ChainReference string
	BlockHeight    uint64
	LastError      string
	CreatedAt      time.Time
}

// Queue batches links and drains them with a single background worker,
// matching spec §5's "one dedicated background worker for the anchor
// queue."
type Queue struct {
	mu       sync.Mutex
	pol      *policy.Store
	client   ledgerclient.Client
	breaker  *circuitbreaker.CircuitBreaker
	bus      *events.EventBus
	tree     *merkle.Tree
	pending  []vdf.Link
	lastFlush time.Time
	anchors  map[string]*Anchor
	order    []string
	overflow int

	stopCh chan struct{}
	once   sync.Once
}

// New builds a Queue. bus may be nil (events become no-ops).
func New(pol *policy.Store, client ledgerclient.Client, bus *events.EventBus) *Queue {
	cbs := circuitbreaker.NewTollCircuitBreakers()
	return &Queue{
		pol:       pol,
		client:    client,
		breaker:   cbs.LedgerSubmit,
		bus:       bus,
		tree:      merkle.New(),
		anchors:   make(map[string]*Anchor),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue adds one VDF link to the pending batch. Backpressure is bounded:
// if the number of anchors awaiting submission exceeds
// policy.anchor_queue_max, the link is still appended — it is never
// dropped — but the overflow counter is incremented and a warning is
// logged (spec §4.5).
func (q *Queue) Enqueue(link vdf.Link) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, link)

	if q.pendingAnchorCountLocked() > q.pol.Get().Anchor.QueueMax {
		q.overflow++
		log.Printf("anchor: queue depth exceeds anchor_queue_max, overflow=%d", q.overflow)
		q.emit("toll.anchor.backpressure", "", map[string]interface{}{"overflow": q.overflow})
	}
}

func (q *Queue) pendingAnchorCountLocked() int {
	n := 0
	for _, a := range q.anchors {
		if a.Status == StatusPending {
			n++
		}
	}
	return n
}

// MaybeFlush builds a batch from the pending links if either
// policy.anchor_batch_size links are pending or policy.anchor_max_delay has
// elapsed since the last flush, whichever comes first.
func (q *Queue) MaybeFlush(now time.Time) *Anchor {
	q.mu.Lock()
	defer q.mu.Unlock()

	pol := q.pol.Get().Anchor
	if len(q.pending) == 0 {
		return nil
	}
	if len(q.pending) < pol.BatchSize && now.Sub(q.lastFlush) < pol.MaxDelay {
		return nil
	}

	batch := q.pending
	q.pending = nil
	q.lastFlush = now

	q.tree.Reset()
	for _, l := range batch {
		q.tree.Append(l.Seq, l.VDFOutput)
	}
	root := q.tree.RootHash()

	id, err := randomID()
	if err != nil {
		id = root
	}
	a := &Anchor{
		ID:        id,
		Links:     batch,
		RootHash:  root,
		Status:    StatusPending,
		CreatedAt: now,
	}
	q.anchors[a.ID] = a
	q.order = append(q.order, a.ID)
	return a
}

// Submit attempts to send one anchor to the external ledger, applying
// exponential backoff with full jitter between attempts
// (backoff_base * 2^attempts, capped at backoff_cap, then uniformly
// randomized down to that cap — spec §4.5).
func (q *Queue) Submit(ctx context.Context, a *Anchor) error {
	pol := q.pol.Get().Anchor

	q.mu.Lock()
	if time.Now().Before(a.NextAttemptAt) {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, pol.SubmitDeadline)
	defer cancel()

	receipt, err := circuitbreaker.ExecuteWithFallback(q.breaker,
		func() (ledgerclient.Receipt, error) {
			return q.client.Submit(subCtx, a.RootHash, len(a.Links))
		},
		func(cbErr error) (ledgerclient.Receipt, error) {
			if errors.Is(cbErr, circuitbreaker.ErrCircuitOpen) || errors.Is(cbErr, circuitbreaker.ErrTooManyRequests) ||
				errors.Is(cbErr, context.DeadlineExceeded) {
				return ledgerclient.Receipt{}, errors.Join(ledgerclient.ErrUnavailable, cbErr)
			}
			return ledgerclient.Receipt{}, cbErr
		})

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		a.Attempts++
		a.LastError = err.Error()
		if errors.Is(err, ledgerclient.ErrUnavailable) {
			a.Status = StatusPending
			a.NextAttemptAt = time.Now().Add(backoffWithJitter(pol.BackoffBase, pol.BackoffCap, a.Attempts))
			return nil
		}
		a.Status = StatusFailed
		q.emit("toll.anchor.failed", a.ID, map[string]interface{}{"error": err.Error(), "attempts": a.Attempts})
		return err
	}

	a.Status = StatusSent
	a.ChainReference = receipt.ChainReference
	a.BlockHeight = receipt.BlockHeight
	q.emit("toll.anchor.sent", a.ID, map[string]interface{}{"root_hash": a.RootHash, "block_height": receipt.BlockHeight})
	return nil
}

// backoffWithJitter returns base * 2^attempts capped at cap, then uniformly
// randomized between 0 and that value ("full jitter").
func backoffWithJitter(base, cap time.Duration, attempts int) time.Duration {
	mult := math.Pow(2, float64(attempts))
	d := time.Duration(float64(base) * mult)
	if d > cap || d <= 0 {
		d = cap
	}
	if d <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return d / 2
	}
	frac := float64(binary.LittleEndian.Uint64(b[:])) / float64(^uint64(0))
	return time.Duration(frac * float64(d))
}

// Pending returns every anchor currently PENDING or FAILED, most recent
// last, for the admin list_pending_anchors operation.
func (q *Queue) Pending() []Anchor {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Anchor
	for _, id := range q.order {
		a := q.anchors[id]
		if a.Status != StatusSent {
			out = append(out, *a)
		}
	}
	return out
}

// Get returns a copy of one anchor by ID.
func (q *Queue) Get(id string) (Anchor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.anchors[id]
	if !ok {
		return Anchor{}, false
	}
	return *a, true
}

// getPtr returns the live, map-owned *Anchor for id, so a caller (Run's
// drain loop) can pass it to Submit and have Submit's mutations
// (Status/Attempts/NextAttemptAt) actually stick — unlike Get, which hands
// back a throwaway copy.
func (q *Queue) getPtr(id string) (*Anchor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.anchors[id]
	return a, ok
}

// Retry resets a FAILED (or backed-off PENDING) anchor's attempt clock so
// the worker loop picks it up on the next tick — the admin retry_anchor
// operation. The resubmission reuses the same root hash as
// client_reference, so it is safe to retry repeatedly (spec: "Retrying an
// anchor with the same client_reference is safe").
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.anchors[id]
	if !ok {
		return errors.New("anchor: unknown id")
	}
	a.Status = StatusPending
	a.NextAttemptAt = time.Time{}
	a.LastError = ""
	return nil
}

// Run drains the queue on a ticker until Stop is called — the one
// dedicated background anchor worker (spec §5).
func (q *Queue) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			if a := q.MaybeFlush(now); a != nil {
				if err := q.Submit(ctx, a); err != nil {
					log.Printf("anchor: submit %s failed: %v", a.ID, err)
				}
			}
			for _, snap := range q.Pending() {
				if snap.Status != StatusPending {
					continue
				}
				if a, ok := q.getPtr(snap.ID); ok {
					if err := q.Submit(ctx, a); err != nil {
						log.Printf("anchor: retry submit %s failed: %v", a.ID, err)
					}
				}
			}
		}
	}
}

// Stop signals Run to exit.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
}

func (q *Queue) emit(eventType, subject string, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	q.bus.Emit(eventType, "tollguard.anchor", subject, data)
}

func randomID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return time.Now().UTC().Format("20060102150405") + "-" + hexEncode(b[:]), nil
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
