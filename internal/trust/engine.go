// Package trust implements the reader trust engine (C7): penalty
// application with decay, status classification, quarantine entry with tag
// suspicion propagation, and the self-healing probation/peer-consensus
// lifecycle (spec §4.2).
//
// The penalty/decay/classify shape is grounded on the teacher's weighted
// reputation calculation
// (_examples/Generativebots-ocx-backend-go-svc/internal/reputation/reputation_manager.go),
// generalized from its four-component weighted-average formula into the
// spec's decay-then-penalize-then-clamp formula, since this domain tracks
// one scalar trust_score rather than four independently-sourced signals.
// Every mutation runs inside registry.Registry.WithLock, giving the engine
// the single logical critical section per reader_id spec §5 requires.
package trust

import (
	"math"
	"time"

	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
)

// Engine applies violations and rewards to readers and drives their
// enforcement status.
type Engine struct {
	registry *registry.Registry
	policy   *policy.Store
	bus      *events.EventBus
}

// New builds a trust Engine over the given registry and policy store. bus
// may be nil if telemetry emission is not wired.
func New(reg *registry.Registry, pol *policy.Store, bus *events.EventBus) *Engine {
	return &Engine{registry: reg, policy: pol, bus: bus}
}

// ApplyViolation records a violation of class `class` with confidence `c`
// against readerID at time now, applying decay, the weighted penalty, and
// reclassification (spec §4.2). Quarantine entry (critical violation or
// score below quarantine_floor) additionally propagates tag suspicion.
func (e *Engine) ApplyViolation(readerID, class string, confidence float64, now time.Time) error {
	pol := e.policy.Get()

	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		e.applyDecayLocked(r, pol, now)

		base := pol.Trust.BasePenalty[class]
		weight := pol.Trust.Weight[class]
		if weight == 0 {
			weight = 1.0
		}
		clamped := clamp(confidence, 0.5, 1.0)
		weighted := -(base * weight * clamped)

		newScore := clamp(r.TrustScore+weighted, 0, 100)
		r.TrustScore = newScore
		r.LastViolationAt = now
		r.LastUpdateAt = now
		r.ConsecutiveSuccesses = 0

		switch class {
		case policy.ViolationReplay:
			r.ReplayAttempts++
		case policy.ViolationBadSignature:
			r.AuthFailures++
		}

		critical := isCritical(class)
		if critical || newScore < pol.Trust.QuarantineFloor {
			e.enterQuarantineLocked(r, pol, class, now)
			return nil
		}

		r.Status = classify(newScore, pol)
		return nil
	})
}

// ResetTrust force-sets readerID's trust_score and reclassifies its status
// to match (the admin reset_trust operation, spec §4.6). Reclassifying is
// what actually restores serving: leaving Status untouched would keep a
// QUARANTINED/SUSPENDED reader rejected at ingest step 7 regardless of the
// new score.
func (e *Engine) ResetTrust(readerID string, score float64, now time.Time) error {
	pol := e.policy.Get()
	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		r.TrustScore = clamp(score, 0, 100)
		r.QuarantineSeverity = 0
		r.ProbationStartedAt = time.Time{}
		r.Challenges = nil
		r.Consensus = nil
		r.SuspectTags = nil
		r.SuspectUntil = time.Time{}
		r.LastUpdateAt = now
		r.Status = classify(r.TrustScore, pol)
		return nil
	})
}

// ForceQuarantine drives readerID directly into QUARANTINED regardless of
// its current trust_score — the admin force_quarantine operation (spec
// §4.6). reason is carried only on the emitted event; it does not affect
// the computed severity.
func (e *Engine) ForceQuarantine(readerID, reason string, now time.Time) error {
	pol := e.policy.Get()
	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		e.enterQuarantineLocked(r, pol, policy.ViolationBalanceManip, now)
		e.emit("reader.force_quarantined", readerID, map[string]interface{}{"reason": reason})
		return nil
	})
}

// ApplySuccess increments readerID's consecutive-success counter and
// applies the small reward once policy.reward_streak is reached (spec
// §4.3's "allow decision... contributes a small reward").
func (e *Engine) ApplySuccess(readerID string, now time.Time) error {
	pol := e.policy.Get()

	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		e.applyDecayLocked(r, pol, now)

		r.ConsecutiveSuccesses++
		r.LastUpdateAt = now

		if pol.Trust.RewardStreak > 0 && r.ConsecutiveSuccesses%int64(pol.Trust.RewardStreak) == 0 {
			r.TrustScore = clamp(r.TrustScore+1, 0, 100)
		}

		if r.Status != registry.StatusQuarantined && r.Status != registry.StatusProbation {
			r.Status = classify(r.TrustScore, pol)
		}
		return nil
	})
}

// Tick applies decay only (no violation or success), used by a periodic
// sweep to let long-idle readers recover even without new traffic.
func (e *Engine) Tick(readerID string, now time.Time) error {
	pol := e.policy.Get()
	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		e.applyDecayLocked(r, pol, now)
		e.advanceLifecycleLocked(r, pol, now)
		if r.Status != registry.StatusQuarantined && r.Status != registry.StatusProbation {
			r.Status = classify(r.TrustScore, pol)
		}
		return nil
	})
}

// applyDecayLocked applies the recovery formula from spec §4.2 when the
// reader has been free of new violations for at least recovery_min_gap.
// Quarantined readers never decay.
func (e *Engine) applyDecayLocked(r *registry.Reader, pol *policy.Policy, now time.Time) {
	if r.Status == registry.StatusQuarantined {
		return
	}
	if r.LastUpdateAt.IsZero() {
		r.LastUpdateAt = now
		return
	}
	if now.Sub(r.LastViolationAt) < pol.Trust.RecoveryMinGap {
		return
	}

	hours := now.Sub(r.LastUpdateAt).Hours()
	if hours <= 0 {
		return
	}
	recovery := pol.Trust.RecoveryRate * math.Log(1+hours)
	if recovery > pol.Trust.RecoveryCap {
		recovery = pol.Trust.RecoveryCap
	}
	r.TrustScore = math.Min(100, r.TrustScore+recovery)
	r.LastUpdateAt = now
}

func classify(score float64, pol *policy.Policy) registry.Status {
	switch {
	case score >= pol.Trust.TrustedFloor:
		return registry.StatusActive
	case score >= pol.Trust.DegradedFloor:
		return registry.StatusDegraded
	default:
		return registry.StatusSuspended
	}
}

// isCritical reports whether a violation class forces immediate quarantine
// regardless of the resulting score.
//
// Resolves a tension in spec §4.2: the per-check prose calls BAD_SIGNATURE
// itself "a critical violation" (for weighting purposes), while the
// quarantine-entry clause lists "replay, bad signature, balance
// manipulation" as auto-quarantine triggers — yet the worked bad-signature
// streak example (spec §8 scenario 3) shows three consecutive BAD_SIGNATURE
// violations stepping the score down 100→60→20 before QUARANTINED fires
// purely from crossing quarantine_floor, not on the first violation. The
// worked example is authoritative: only REPLAY and BALANCE_MANIPULATION
// force instant quarantine; BAD_SIGNATURE is heavily penalized but
// quarantines via the score floor like any other violation class.
func isCritical(class string) bool {
	switch class {
	case policy.ViolationReplay, policy.ViolationBalanceManip:
		return true
	default:
		return false
	}
}

// emit publishes a telemetry CloudEvent if a bus is wired. bus is nil in
// tests and in configurations that don't care about trust telemetry.
func (e *Engine) emit(eventType, readerID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventType, "tollguard.trust", readerID, data)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
