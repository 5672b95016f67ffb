// Package metrics holds the Prometheus instrumentation for the toll core:
// ingest outcomes, fusion decisions, reader trust scores, and the VDF/
// anchor pipeline depth.
//
// Grounded on the teacher's escrow Metrics struct
// (_examples/Generativebots-ocx-backend-go-svc/internal/escrow/metrics.go):
// one struct of promauto-registered vectors plus a Record* method per
// concern, generalized from the economic-barrier/reputation domain to
// ingest/trust/fraud/anchor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the toll core reports.
type Metrics struct {
	IngestTotal    *prometheus.CounterVec
	DecisionTotal  *prometheus.CounterVec
	ReaderTrust    *prometheus.GaugeVec
	ChainLength    prometheus.Gauge
	AnchorPending  prometheus.Gauge
	AnchorFailures *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		IngestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollguard_ingest_total",
				Help: "Total ingest events by outcome code",
			},
			[]string{"code"}, // ACCEPTED or an ingest.Code
		),
		DecisionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollguard_decision_total",
				Help: "Total fusion decisions by outcome",
			},
			[]string{"decision"}, // allow | block
		),
		ReaderTrust: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollguard_reader_trust_score",
				Help: "Current trust_score per reader",
			},
			[]string{"reader_id"},
		),
		ChainLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tollguard_vdf_chain_length",
			Help: "Number of links in the VDF hash chain",
		}),
		AnchorPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tollguard_anchor_pending",
			Help: "Number of anchor batches awaiting a confirmed ledger submission",
		}),
		AnchorFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollguard_anchor_submit_failures_total",
				Help: "Total ledger submit failures by breaker state",
			},
			[]string{"breaker_state"},
		),
	}
}

// RecordIngest increments the ingest counter for the given outcome code.
func (m *Metrics) RecordIngest(code string) {
	m.IngestTotal.WithLabelValues(code).Inc()
}

// RecordDecision increments the fusion-decision counter.
func (m *Metrics) RecordDecision(decision string) {
	m.DecisionTotal.WithLabelValues(decision).Inc()
}

// SetReaderTrust updates the trust-score gauge for one reader.
func (m *Metrics) SetReaderTrust(readerID string, score float64) {
	m.ReaderTrust.WithLabelValues(readerID).Set(score)
}

// SetChainLength updates the VDF chain-length gauge.
func (m *Metrics) SetChainLength(n int) {
	m.ChainLength.Set(float64(n))
}

// SetAnchorPending updates the pending-anchor-batch gauge.
func (m *Metrics) SetAnchorPending(n int) {
	m.AnchorPending.Set(float64(n))
}

// RecordAnchorFailure increments the anchor-submit-failure counter for the
// breaker state observed at failure time.
func (m *Metrics) RecordAnchorFailure(breakerState string) {
	m.AnchorFailures.WithLabelValues(breakerState).Inc()
}
