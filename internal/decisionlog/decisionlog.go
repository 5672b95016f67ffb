// Package decisionlog is the append-only DecisionRecord store (C9): one
// record per accepted toll event, carrying the ML scores, rule flags, and
// trust snapshot that produced the final allow/block decision (spec §3,
// §4.3's invariant that every accepted event produces exactly one record).
//
// Grounded on the teacher's append-only audit log
// (_examples/Generativebots-ocx-backend-go-svc/internal/ledger/merkle.go's
// leaf-accumulation style) and its CloudEvent emission idiom
// (internal/events).
package decisionlog

import (
	"sync"
	"time"

	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/fraud"
)

// Decision is a log entry outcome, matching fraud.Decision.Fused.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// Record is one append-only DecisionRecord.
type Record struct {
	EventID       string
	ReaderID      string
	TagHash       string
	Timestamp     time.Time
	MLA           *float64
	MLB           *float64
	IsoFlag       int
	RuleFlags     []string
	TrustSnapshot float64
	Decision      Decision
	ReasonCodes   []string
	Amount        float64
}

// Log is the append-only store, indexed by event_id for the uniqueness
// invariant (∀ accepted events E: exactly one DecisionRecord with
// event_id = E.event_id exists).
type Log struct {
	mu      sync.Mutex
	byEvent map[string]*Record
	order   []string
	bus     *events.EventBus
}

// New returns an empty Log. bus may be nil.
func New(bus *events.EventBus) *Log {
	return &Log{byEvent: make(map[string]*Record), bus: bus}
}

// Append records one decision. Re-appending the same event_id is a no-op
// and returns false, preserving the append-only/exactly-once invariant.
func (l *Log) Append(r Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byEvent[r.EventID]; exists {
		return false
	}
	stored := r
	l.byEvent[r.EventID] = &stored
	l.order = append(l.order, r.EventID)

	if l.bus != nil {
		l.bus.Emit("toll.decision.recorded", "tollguard.decisionlog", r.EventID, map[string]interface{}{
			"reader_id": r.ReaderID,
			"decision":  string(r.Decision),
			"amount":    r.Amount,
		})
	}
	return true
}

// Get returns the record for event_id, if any.
func (l *Log) Get(eventID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byEvent[eventID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Has reports whether a DecisionRecord exists for event_id.
func (l *Log) Has(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byEvent[eventID]
	return ok
}

// All returns every record in append order.
func (l *Log) All() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.byEvent[id])
	}
	return out
}

// FromFusion builds a Record from a fraud.Decision plus the surrounding
// event context — the one conversion point between C8's fusion output and
// C9's persisted shape.
func FromFusion(eventID, readerID, tagHash string, ts time.Time, amount float64, trustSnapshot float64, dec fraud.Decision) Record {
	d := DecisionAllow
	if dec.Fused == "block" {
		d = DecisionBlock
	}
	return Record{
		EventID:       eventID,
		ReaderID:      readerID,
		TagHash:       tagHash,
		Timestamp:     ts,
		MLA:           dec.MLA,
		MLB:           dec.MLB,
		IsoFlag:       dec.IsoFlag,
		RuleFlags:     dec.RuleFlags,
		TrustSnapshot: trustSnapshot,
		Decision:      d,
		ReasonCodes:   dec.ReasonCodes,
		Amount:        amount,
	}
}
