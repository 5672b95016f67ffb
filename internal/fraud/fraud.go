// Package fraud implements the Fraud Decision Fusion (C8): rule checks, two
// opaque ML scorers plus an isolation flag, a cross-reader outlier check,
// and the fusion that combines them into allow/block (spec §4.3).
//
// The interface-with-real/mock/null-variant shape for the ML scorers
// follows spec §9's note on replacing deep/virtual dispatch; it is grounded
// on the teacher's pluggable evaluator pattern
// (_examples/Generativebots-ocx-backend-go-svc/internal/security/continuous_eval.go),
// generalized from a single continuous evaluator into the two-scorer-plus-
// isolation-flag ensemble this domain uses.
package fraud

import (
	"context"
	"time"

	"github.com/ocx/tollguard/internal/card"
	"github.com/ocx/tollguard/internal/circuitbreaker"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
)

// Rule flags (spec §4.3).
const (
	FlagNonPositiveAmount  = "NON_POSITIVE_AMOUNT"
	FlagAmountCeiling      = "AMOUNT_CEILING"
	FlagTypeTariffMismatch = "TYPE_TARIFF_MISMATCH"
	FlagDuplicateScan      = "DUPLICATE_SCAN_WINDOW"
	FlagCrossOutlier       = "CROSS_OUTLIER"
	FlagSuspectTag         = "SUSPECT_TAG"
)

// criticalFlags drive the fusion rule "block if a critical rule flag
// fires" (spec §4.3). NON_POSITIVE_AMOUNT is critical because it is the
// §9 design-note definition of a balance-manipulation attempt.
var criticalFlags = map[string]bool{
	FlagNonPositiveAmount: true,
}

// Scorer is the ML scoring collaborator contract (spec §4.3): score a
// feature vector into [0,1]. Unavailability must surface as an error so the
// caller can degrade to a neutral score, never block on a scorer outage.
type Scorer interface {
	Score(ctx context.Context, features map[string]float64) (float64, error)
}

// NullScorer always reports unavailable, so fusion treats its output as
// neutral — used when a policy has no ML scorer configured.
type NullScorer struct{}

// Score always returns an error, signalling "no opinion" to the fusion step.
func (NullScorer) Score(ctx context.Context, features map[string]float64) (float64, error) {
	return 0, errScorerUnavailable
}

var errScorerUnavailable = scorerUnavailableError{}

type scorerUnavailableError struct{}

func (scorerUnavailableError) Error() string { return "fraud: ml scorer unavailable" }

// Event carries the accepted TollEvent fields the fraud detector needs.
type Event struct {
	TagHash   string
	ReaderID  string
	Amount    float64
	Timestamp time.Time
}

// Decision is the full fusion output (spec §4.3).
type Decision struct {
	RuleFlags    []string
	MLA          *float64 // nil when unavailable
	MLB          *float64
	IsoFlag      int
	Fused        string // "allow" | "block"
	ReasonCodes  []string
}

// CrossReaderStats is the immutable periodic snapshot C8 reads without
// locking (spec §5).
type CrossReaderStats struct {
	CountByReader map[string]int // transaction count in the last cross_window
	MeanCount     float64
}

// RecentScan records a tag_hash sighting for the duplicate-scan-window rule.
type RecentScan struct {
	TagHash string
	At      time.Time
}

// Detector runs the rule layer, ML scorers, cross-reader check, and fusion.
// Each scorer call is wrapped in its own circuit breaker (MLScorerA/B/Iso)
// so a single slow or down scorer trips fast and degrades to a neutral nil
// score, instead of letting ingest latency pile up behind it.
type Detector struct {
	policy *policy.Store
	mlA    Scorer
	mlB    Scorer
	iso    Scorer // isolation-forest-style scorer; Score output is thresholded to {0,1}
	cbA    *circuitbreaker.CircuitBreaker
	cbB    *circuitbreaker.CircuitBreaker
	cbIso  *circuitbreaker.CircuitBreaker
}

// New builds a Detector. Pass fraud.NullScorer{} for any scorer not
// configured.
func New(pol *policy.Store, mlA, mlB, iso Scorer) *Detector {
	cbs := circuitbreaker.NewTollCircuitBreakers()
	return &Detector{
		policy: pol, mlA: mlA, mlB: mlB, iso: iso,
		cbA: cbs.MLScorerA, cbB: cbs.MLScorerB, cbIso: cbs.MLScorerIso,
	}
}

// Evaluate runs the full C8 pipeline for one accepted event.
func (d *Detector) Evaluate(ctx context.Context, ev Event, c card.Card, reader registry.Reader, recentScans []RecentScan, stats CrossReaderStats, features map[string]float64) Decision {
	pol := d.policy.Get()

	var flags []string
	if ev.Amount <= 0 {
		flags = append(flags, FlagNonPositiveAmount)
	}
	if ev.Amount > pol.Fraud.AmountCeiling {
		flags = append(flags, FlagAmountCeiling)
	}
	if ceiling, ok := pol.Fraud.TariffCeiling[c.VehicleType]; ok && ev.Amount > ceiling {
		flags = append(flags, FlagTypeTariffMismatch)
	}
	if withinDuplicateWindow(ev, recentScans, pol.Fraud.DuplicateWindow) {
		flags = append(flags, FlagDuplicateScan)
	}
	if isCrossOutlier(ev.ReaderID, stats, pol.Fraud.CrossMultiplier) {
		flags = append(flags, FlagCrossOutlier)
	}
	suspect := isSuspectTag(ev, reader)
	if suspect {
		flags = append(flags, FlagSuspectTag)
	}

	mlA := d.scoreOrNil(ctx, d.mlA, d.cbA, features)
	mlB := d.scoreOrNil(ctx, d.mlB, d.cbB, features)
	isoFlag := 0
	if isoScore := d.scoreOrNil(ctx, d.iso, d.cbIso, features); isoScore != nil && *isoScore >= 0.5 {
		isoFlag = 1
	}

	fused := fuse(flags, mlA, mlB, isoFlag, reader.Status, suspect, pol)

	reasons := append([]string(nil), flags...)
	if fused == "block" {
		reasons = append(reasons, "FUSED_BLOCK")
	}

	return Decision{
		RuleFlags:   flags,
		MLA:         mlA,
		MLB:         mlB,
		IsoFlag:     isoFlag,
		Fused:       fused,
		ReasonCodes: reasons,
	}
}

// scoreOrNil calls s.Score through cb, so a tripped breaker (two
// consecutive failures of that scorer) degrades to nil exactly like a direct scorer
// error — fusion already treats a nil score as "no opinion."
func (d *Detector) scoreOrNil(ctx context.Context, s Scorer, cb *circuitbreaker.CircuitBreaker, features map[string]float64) *float64 {
	if s == nil {
		return nil
	}
	v, err := circuitbreaker.ExecuteWithFallback(cb,
		func() (float64, error) { return s.Score(ctx, features) },
		func(cbErr error) (float64, error) { return 0, cbErr })
	if err != nil {
		return nil
	}
	return &v
}

// fuse implements the block/allow rule from spec §4.3. suspect raises
// sensitivity for the duration of policy.suspicion_ttl following a
// quarantine transition that marked ev.TagHash as one of the tags seen
// from the reader right before it tripped (spec §4.2): the ML block
// threshold is halved, and any other rule flag alongside it is enough to
// block outright, mirroring the existing DEGRADED-status tightening.
func fuse(flags []string, mlA, mlB *float64, isoFlag int, status registry.Status, suspect bool, pol *policy.Policy) string {
	for _, f := range flags {
		if criticalFlags[f] {
			return "block"
		}
	}
	threshold := pol.Fraud.MLBlockThreshold
	if suspect {
		threshold /= 2
	}
	if mlA != nil && mlB != nil && *mlA >= threshold && *mlB >= threshold && isoFlag == 1 {
		return "block"
	}
	if status == registry.StatusDegraded && len(flags) > 0 {
		return "block"
	}
	if suspect && len(flags) > 1 {
		return "block"
	}
	return "allow"
}

// isSuspectTag reports whether ev.TagHash was marked suspect by reader's
// most recent quarantine transition and ev.Timestamp still falls within
// that grant's suspicion_ttl window.
func isSuspectTag(ev Event, reader registry.Reader) bool {
	if reader.SuspectUntil.IsZero() || ev.Timestamp.After(reader.SuspectUntil) {
		return false
	}
	for _, t := range reader.SuspectTags {
		if t == ev.TagHash {
			return true
		}
	}
	return false
}

func withinDuplicateWindow(ev Event, recentScans []RecentScan, window time.Duration) bool {
	cutoff := ev.Timestamp.Add(-window)
	for _, s := range recentScans {
		if s.TagHash == ev.TagHash && s.At.After(cutoff) && s.At.Before(ev.Timestamp) {
			return true
		}
	}
	return false
}

func isCrossOutlier(readerID string, stats CrossReaderStats, multiplier float64) bool {
	if stats.MeanCount <= 0 {
		return false
	}
	count, ok := stats.CountByReader[readerID]
	if !ok {
		return false
	}
	return float64(count) > multiplier*stats.MeanCount
}
