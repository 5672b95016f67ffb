package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/fraud"
	"github.com/ocx/tollguard/internal/ingest"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
)

// ingestRequest mirrors the inbound TollEvent wire shape (spec §6).
type ingestRequest struct {
	TagHash    string `json:"tag_hash"`
	ReaderID   string `json:"reader_id"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
	KeyVersion uint64 `json:"key_version"`
}

// handleIngest runs the full C6->C7->C8->C7->C9->C10->C11 pipeline for one
// accepted event (spec §3's data-flow line), returning the final decision.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}

	now := s.clock.Now()
	result, violation := s.verifier.Accept(ingest.Event{
		TagHash: req.TagHash, ReaderID: req.ReaderID, Timestamp: req.Timestamp,
		Nonce: req.Nonce, Signature: req.Signature, KeyVersion: req.KeyVersion,
	}, now)

	if violation != nil {
		// An UNKNOWN_READER violation pointer is never returned by Accept,
		// so this path is always against a known reader_id.
		s.engine.ApplyViolation(violation.ReaderID, violation.Class, violation.Confidence, now)
	}

	if !result.Accepted {
		status, code := ingestErrorStatus(result.Code)
		if s.metrics != nil {
			s.metrics.RecordIngest(code)
		}
		writeError(w, status, code, string(result.Code))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordIngest("ACCEPTED")
	}

	suspicionWindow := s.policy.Get().Trust.SuspicionWindow
	s.registry.WithLock(req.ReaderID, func(r *registry.Reader) error {
		r.RecordTagSeen(req.TagHash, now, suspicionWindow)
		return nil
	})

	c, err := s.cards.Lookup(req.TagHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_CARD", err.Error())
		return
	}

	amount := s.policy.Get().Fraud.TariffAmount[c.TariffClass]

	recent := s.recentScansFor(req.TagHash, now)
	stats := *s.crossStats.Load()

	dec := s.detector.Evaluate(r.Context(),
		fraud.Event{TagHash: req.TagHash, ReaderID: req.ReaderID, Amount: amount, Timestamp: time.Unix(req.Timestamp, 0)},
		c, result.Reader, recent, stats, nil)

	s.recordScan(req.TagHash, now)

	if dec.Fused == "allow" {
		if _, derr := s.cards.Deduct(req.TagHash, amount); derr != nil {
			dec.Fused = "block"
			dec.ReasonCodes = append(dec.ReasonCodes, "INSUFFICIENT_BALANCE")
			s.engine.ApplyViolation(req.ReaderID, policy.ViolationBalanceManip, 1.0, now)
		} else {
			s.engine.ApplySuccess(req.ReaderID, now)
		}
	} else {
		s.engine.ApplyViolation(req.ReaderID, policy.ViolationFraudRule, 0.8, now)
	}

	eventID := uuid.New().String()

	snap, _ := s.registry.Snapshot(req.ReaderID)
	rec := decisionlog.FromFusion(eventID, req.ReaderID, req.TagHash, time.Unix(req.Timestamp, 0), amount, snap.TrustScore, dec)
	if !s.decisions.Append(rec) {
		// event_id already has a DecisionRecord (a UUID collision, or a
		// retried request reusing one) — spec §4.3's exactly-once invariant
		// forbids a second record, so this decision never happened and any
		// balance deduction it made must not stick either.
		if dec.Fused == "allow" {
			_ = s.cards.Rollback(req.TagHash, amount)
		}
		writeError(w, http.StatusConflict, "DUPLICATE_EVENT", "event_id already recorded")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(dec.Fused)
		s.metrics.SetReaderTrust(req.ReaderID, snap.TrustScore)
	}

	// response_awaits_vdf governs whether the HTTP response carries the
	// committed vdf_seq or returns before the chain append happens (spec
	// §5's open question on ingest/VDF coupling, resolved toward
	// throughput: async by default, sync only when policy opts in).
	var vdfSeq *uint64
	if s.policy.Get().VDF.ResponseAwaitsVDF {
		seq := s.appendVDFLink(eventID, req.ReaderID, req.Timestamp)
		vdfSeq = &seq
	} else {
		go s.enqueueVDFAppend(eventID, req.ReaderID, req.Timestamp)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":     dec.Fused,
		"reason_codes": dec.ReasonCodes,
		"trust_score":  int(snap.TrustScore),
		"event_id":     eventID,
		"vdf_seq":      vdfSeq,
	})
}

func (s *Server) recentScansFor(tagHash string, now time.Time) []fraud.RecentScan {
	s.recentScansMu.Lock()
	defer s.recentScansMu.Unlock()
	return append([]fraud.RecentScan(nil), s.recentScans[tagHash]...)
}

func (s *Server) recordScan(tagHash string, now time.Time) {
	s.recentScansMu.Lock()
	defer s.recentScansMu.Unlock()

	window := s.policy.Get().Fraud.DuplicateWindow
	cutoff := now.Add(-window)
	kept := s.recentScans[tagHash][:0]
	for _, sc := range s.recentScans[tagHash] {
		if sc.At.After(cutoff) {
			kept = append(kept, sc)
		}
	}
	s.recentScans[tagHash] = append(kept, fraud.RecentScan{TagHash: tagHash, At: now})
}

// ingestErrorStatus maps an ingest rejection code to the HTTP status spec §6
// requires.
func ingestErrorStatus(code ingest.Code) (int, string) {
	switch code {
	case ingest.CodeUnknownReader, ingest.CodeBadKeyVersion, ingest.CodeBadSignature:
		return http.StatusUnauthorized, string(code)
	case ingest.CodeReplay:
		return http.StatusConflict, string(code)
	case ingest.CodeReaderSuspended:
		return http.StatusLocked, string(code)
	case ingest.CodeRateLimited:
		return http.StatusTooManyRequests, string(code)
	case ingest.CodeStaleTimestamp:
		return http.StatusRequestTimeout, string(code)
	default:
		return http.StatusBadRequest, string(code)
	}
}
