// Package api exposes the toll-processing core over HTTP/JSON: the ingest
// endpoint, the admin surface, and the read-only telemetry endpoints (spec
// §6).
//
// Grounded on the teacher's APIServer
// (_examples/Generativebots-ocx-backend-go-svc/internal/api/server.go): a
// small struct holding every collaborator, one method per route, wired
// through gorilla/mux with a CORS middleware — generalized from the
// teacher's pool/escrow/reputation trio to the toll core's verifier/trust/
// fraud/ledger/anchor/admin set.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/tollguard/internal/admin"
	"github.com/ocx/tollguard/internal/anchor"
	"github.com/ocx/tollguard/internal/card"
	"github.com/ocx/tollguard/internal/clockservice"
	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/fraud"
	"github.com/ocx/tollguard/internal/ingest"
	"github.com/ocx/tollguard/internal/metrics"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
	"github.com/ocx/tollguard/internal/trust"
	"github.com/ocx/tollguard/internal/vdf"
)

// Server wires every collaborator the HTTP surface needs.
type Server struct {
	policy   *policy.Store
	registry *registry.Registry
	verifier *ingest.Verifier
	engine   *trust.Engine
	detector *fraud.Detector
	cards    *card.Store
	decisions *decisionlog.Log
	chain    *vdf.Chain
	anchors  *anchor.Queue
	admin    *admin.Surface
	bus      *events.EventBus
	clock    clockservice.Clock
	metrics  *metrics.Metrics

	recentScansMu sync.Mutex
	recentScans   map[string][]fraud.RecentScan

	crossStats atomic.Pointer[fraud.CrossReaderStats]

	// vdfJobs is the bounded async append queue started by
	// StartVDFWorkers; nil until then (see vdfworker.go).
	vdfJobs chan vdfJob
}

// New builds a Server over the given collaborators. m may be nil to run
// without Prometheus instrumentation (e.g. in tests).
func New(
	pol *policy.Store,
	reg *registry.Registry,
	verifier *ingest.Verifier,
	engine *trust.Engine,
	detector *fraud.Detector,
	cards *card.Store,
	decisions *decisionlog.Log,
	chain *vdf.Chain,
	anchors *anchor.Queue,
	adminSurface *admin.Surface,
	bus *events.EventBus,
	clock clockservice.Clock,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		policy: pol, registry: reg, verifier: verifier, engine: engine,
		detector: detector, cards: cards, decisions: decisions, chain: chain,
		anchors: anchors, admin: adminSurface, bus: bus, clock: clock, metrics: m,
		recentScans: make(map[string][]fraud.RecentScan),
	}
	s.crossStats.Store(&fraud.CrossReaderStats{})
	return s
}

// RefreshCrossStats recomputes the cross-reader transaction-count snapshot
// over the last policy.cross_window and swaps it in atomically — the
// immutable periodic snapshot C8 reads without locking (spec §5).
func (s *Server) RefreshCrossStats(now time.Time) {
	window := s.policy.Get().Fraud.CrossWindow
	cutoff := now.Add(-window)

	counts := make(map[string]int)
	for _, rec := range s.decisions.All() {
		if rec.Timestamp.After(cutoff) {
			counts[rec.ReaderID]++
		}
	}
	var total float64
	for _, c := range counts {
		total += float64(c)
	}
	mean := 0.0
	if len(counts) > 0 {
		mean = total / float64(len(counts))
	}
	s.crossStats.Store(&fraud.CrossReaderStats{CountByReader: counts, MeanCount: mean})

	if s.metrics != nil {
		s.metrics.SetChainLength(s.chain.Len())
		s.metrics.SetAnchorPending(len(s.anchors.Pending()))
	}
}

// RunCrossStatsRefresher recomputes cross-reader stats on a ticker until ctx
// is cancelled — the periodic sweep feeding C8's cross-reader outlier check.
func (s *Server) RunCrossStatsRefresher(ctx context.Context) {
	interval := s.policy.Get().Fraud.CrossStatsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RefreshCrossStats(now)
		}
	}
}

// Router builds the mux.Router for this server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	r.HandleFunc("/time", s.handleTime).Methods("GET")

	r.HandleFunc("/reader/register", s.requireAdmin(s.handleReaderRegister)).Methods("POST")
	r.HandleFunc("/reader/rotate", s.requireAdmin(s.handleReaderRotate)).Methods("POST")
	r.HandleFunc("/reader/trust/reset", s.requireAdmin(s.handleTrustReset)).Methods("POST")
	r.HandleFunc("/reader/force_quarantine", s.requireAdmin(s.handleForceQuarantine)).Methods("POST")
	r.HandleFunc("/peer_vote", s.requireAdmin(s.handlePeerVote)).Methods("POST")
	r.HandleFunc("/vdf/verify", s.requireAdmin(s.handleVDFVerify)).Methods("GET")
	r.HandleFunc("/anchor/pending", s.requireAdmin(s.handleAnchorPending)).Methods("GET")
	r.HandleFunc("/anchor/retry", s.requireAdmin(s.handleAnchorRetry)).Methods("POST")
	r.HandleFunc("/vdf/reconcile", s.requireAdmin(s.handleVDFReconcile)).Methods("GET")
	r.HandleFunc("/reader/challenge", s.requireAdmin(s.handleChallengeResponse)).Methods("POST")
	r.HandleFunc("/reader/nonces/clear", s.requireAdmin(s.handleClearNonces)).Methods("POST")
	r.HandleFunc("/vdf/reseed", s.requireAdmin(s.handleReseedGenesis)).Methods("POST")

	r.HandleFunc("/readers", s.handleReaders).Methods("GET")
	r.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	r.HandleFunc("/blockchain/audit", s.handleBlockchainAudit).Methods("GET")
	r.HandleFunc("/stats/summary", s.handleStatsSummary).Methods("GET")
	r.HandleFunc("/system/status", s.handleSystemStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.admin.Authenticate(r.Header.Get("X-API-Key")); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d", s.clock.UnixSeconds())
}

func (s *Server) handleReaderRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "reader_id required")
		return
	}
	secret, err := cryptoutil.DeriveReaderSecret([]byte(s.policy.Get().Admin.APIKey), req.ReaderID, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	ok := s.registry.Register(&registry.Reader{ReaderID: req.ReaderID, Secret: secret, KeyVersion: 1, TrustScore: 100, Status: registry.StatusActive})
	if !ok {
		writeError(w, http.StatusConflict, "ALREADY_REGISTERED", "reader_id already exists")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reader_id": req.ReaderID, "key_version": 1})
}

func (s *Server) handleReaderRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	v, err := s.admin.RotateReaderSecret(req.ReaderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"new_key_version": v})
}

func (s *Server) handleTrustReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string  `json:"reader_id"`
		Score    float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.admin.ResetTrust(req.ReaderID, req.Score, s.clock.Now()); err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForceQuarantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.admin.ForceQuarantine(req.ReaderID, req.Reason, s.clock.Now()); err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePeerVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
		VoterID  string `json:"voter_id"`
		Approve  bool   `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.engine.CastVote(req.ReaderID, req.VoterID, req.Approve, s.clock.Now()); err != nil {
		writeError(w, http.StatusBadRequest, "VOTE_REJECTED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChallengeResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string                `json:"reader_id"`
		Type     registry.ChallengeType `json:"type"`
		Proof    string                `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.engine.PassChallenge(req.ReaderID, req.Type, req.Proof, s.clock.Now()); err != nil {
		writeError(w, http.StatusBadRequest, "CHALLENGE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVDFVerify(w http.ResponseWriter, r *http.Request) {
	pol := s.policy.Get().VDF
	result := s.chain.Verify(pol.GenesisSeed, pol.ReorderTolerance)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":            result.Valid,
		"first_broken_seq": result.FirstBrokenSeq,
		"class":            result.Class,
	})
}

func (s *Server) handleAnchorPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.ListPendingAnchors())
}

func (s *Server) handleVDFReconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"missing_event_ids": s.admin.ReconcileVDFChain()})
}

func (s *Server) handleAnchorRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.admin.RetryAnchor(req.ID); err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_ANCHOR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearNonces(w http.ResponseWriter, r *http.Request) {
	beforeStr := r.URL.Query().Get("before")
	before := s.clock.Now()
	if beforeStr != "" {
		if sec, err := strconv.ParseInt(beforeStr, 10, 64); err == nil {
			before = time.Unix(sec, 0)
		}
	}
	removed := s.admin.ClearNonces(before)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleReseedGenesis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if err := s.admin.ReseedVDFGenesis(req.Seed); err != nil {
		writeError(w, http.StatusConflict, "CHAIN_NOT_EMPTY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.decisions.All())
}

func (s *Server) handleBlockchainAudit(w http.ResponseWriter, r *http.Request) {
	pol := s.policy.Get().VDF
	result := s.chain.Verify(pol.GenesisSeed, pol.ReorderTolerance)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"length": s.chain.Len(),
		"head":   s.chain.Head(),
		"verify": result,
	})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	readers := s.registry.All()
	byStatus := make(map[registry.Status]int)
	for _, rd := range readers {
		byStatus[rd.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reader_count":    len(readers),
		"by_status":       byStatus,
		"decision_count":  len(s.decisions.All()),
		"chain_length":    s.chain.Len(),
		"pending_anchors": len(s.anchors.Pending()),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	pol := s.policy.Get().VDF
	verify := s.chain.Verify(pol.GenesisSeed, pol.ReorderTolerance)
	status := "HEALTHY"
	if !verify.Valid {
		status = "FATAL"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"chain_ok":   verify.Valid,
		"time":       s.clock.UnixSeconds(),
	})
}
