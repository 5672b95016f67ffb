package trust

import (
	"errors"
	"math"
	"time"

	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
)

// Errors returned by the probation/peer-consensus lifecycle.
var (
	ErrSelfVote        = errors.New("trust: reader may not vote in its own consensus round")
	ErrNoOpenConsensus = errors.New("trust: reader has no open consensus round")
	ErrNoSuchChallenge = errors.New("trust: no matching open challenge")
)

// enterQuarantineLocked transitions r into QUARANTINED, deriving severity
// from policy.severity[class] on first entry or incrementing the existing
// severity (capped at 3) on re-entry after a failed probation attempt, and
// propagating tag suspicion per spec §4.2.
func (e *Engine) enterQuarantineLocked(r *registry.Reader, pol *policy.Policy, class string, now time.Time) {
	if r.Status == registry.StatusQuarantined {
		r.QuarantineSeverity = minInt(3, r.QuarantineSeverity+1)
	} else {
		sev := pol.Trust.Severity[class]
		if sev == 0 {
			sev = 1
		}
		r.QuarantineSeverity = sev
	}

	r.Status = registry.StatusQuarantined
	r.ProbationStartedAt = time.Time{}
	r.Challenges = nil
	r.Consensus = nil

	cutoff := now.Add(-pol.Trust.SuspicionWindow)
	r.SuspectTags = r.TagsSince(cutoff)
	r.SuspectUntil = now.Add(pol.Trust.SuspicionTTL)

	e.emit("reader.quarantined", r.ReaderID, map[string]interface{}{
		"class":    class,
		"severity": r.QuarantineSeverity,
	})
}

// advanceLifecycleLocked moves a QUARANTINED reader into PROBATION once its
// quarantine-recovery projection clears probation_entry_floor, and checks a
// PROBATION reader's challenge/consensus deadlines.
//
// Resolves the spec's apparent tension between "quarantined readers do not
// decay" (§4.2 decay rule) and "QUARANTINED → decay recovery past
// probation_entry_floor → PROBATION" (§4.2 self-healing lifecycle): the
// reader's trust_score itself stays frozen while quarantined, but a
// recovery value is projected off the same formula purely to test
// promotion eligibility, and is only committed to trust_score at the
// moment of promotion.
func (e *Engine) advanceLifecycleLocked(r *registry.Reader, pol *policy.Policy, now time.Time) {
	switch r.Status {
	case registry.StatusQuarantined:
		if r.LastUpdateAt.IsZero() {
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
		projected := minF(100, r.TrustScore+recovery)
		if projected >= pol.Trust.ProbationEntryFloor {
			r.TrustScore = projected
			r.LastUpdateAt = now
			e.enterProbationLocked(r, pol, now)
		}

	case registry.StatusProbation:
		for i := range r.Challenges {
			c := &r.Challenges[i]
			if !c.Passed && now.After(c.ExpiresAt) {
				e.failProbationLocked(r, pol, now)
				return
			}
		}
		if r.Consensus != nil && now.Sub(r.Consensus.OpenedAt) > pol.Trust.ConsensusTimeout {
			e.failProbationLocked(r, pol, now)
		}
	}
}

// enterProbationLocked issues one KNOWN_TAG, one TIMING, and one HASH_VERIFY
// challenge per quarantine severity level (spec §4.2).
func (e *Engine) enterProbationLocked(r *registry.Reader, pol *policy.Policy, now time.Time) {
	r.Status = registry.StatusProbation
	r.ProbationStartedAt = now
	r.Consensus = nil

	rounds := r.QuarantineSeverity
	if rounds < 1 {
		rounds = 1
	}

	r.Challenges = make([]registry.Challenge, 0, rounds*3)
	for i := 0; i < rounds; i++ {
		expires := now.Add(pol.Trust.ChallengeTTL)
		r.Challenges = append(r.Challenges,
			registry.Challenge{Type: registry.ChallengeKnownTag, IssuedAt: now, ExpiresAt: expires},
			registry.Challenge{Type: registry.ChallengeTiming, IssuedAt: now, ExpiresAt: expires, Payload: mustNonce()},
			registry.Challenge{Type: registry.ChallengeHashVerify, IssuedAt: now, ExpiresAt: expires, Payload: mustNonce()},
		)
	}

	e.emit("reader.probation_entered", r.ReaderID, map[string]interface{}{"rounds": rounds})
}

// failProbationLocked returns r to QUARANTINED with incremented severity
// (capped at 3), clearing outstanding challenges and any open consensus.
func (e *Engine) failProbationLocked(r *registry.Reader, pol *policy.Policy, now time.Time) {
	r.QuarantineSeverity = minInt(3, r.QuarantineSeverity+1)
	r.Status = registry.StatusQuarantined
	r.ProbationStartedAt = time.Time{}
	r.Challenges = nil
	r.Consensus = nil
	r.LastUpdateAt = now

	e.emit("reader.probation_failed", r.ReaderID, map[string]interface{}{"severity": r.QuarantineSeverity})
}

// restoreLocked promotes r to ACTIVE with the policy-configured restore
// score, clearing quarantine/probation state entirely.
func (e *Engine) restoreLocked(r *registry.Reader, pol *policy.Policy, now time.Time) {
	r.Status = registry.StatusActive
	r.TrustScore = pol.Trust.RestoreScore
	r.QuarantineSeverity = 0
	r.ProbationStartedAt = time.Time{}
	r.Challenges = nil
	r.Consensus = nil
	r.SuspectTags = nil
	r.SuspectUntil = time.Time{}
	r.LastUpdateAt = now

	e.emit("reader.restored", r.ReaderID, map[string]interface{}{"trust_score": r.TrustScore})
}

// SetChallengeWhitelist provisions the admin-whitelisted tag_hash a reader
// must present to satisfy its outstanding KNOWN_TAG challenge(s). Called
// from the admin surface (C12).
func (e *Engine) SetChallengeWhitelist(readerID, tagHash string) error {
	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		found := false
		for i := range r.Challenges {
			if r.Challenges[i].Type == registry.ChallengeKnownTag && !r.Challenges[i].Passed {
				r.Challenges[i].Payload = tagHash
				found = true
			}
		}
		if !found {
			return ErrNoSuchChallenge
		}
		return nil
	})
}

// ObserveTag notifies the trust engine that readerID produced tagHash, so an
// outstanding KNOWN_TAG challenge can be satisfied during ordinary ingest.
func (e *Engine) ObserveTag(readerID, tagHash string, now time.Time) error {
	pol := e.policy.Get()
	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		if r.Status != registry.StatusProbation {
			return nil
		}
		e.passChallengeLocked(r, pol, registry.ChallengeKnownTag, tagHash, now)
		return nil
	})
}

// PassChallenge attempts to satisfy readerID's outstanding challenge of type
// ct with the supplied proof (the echoed TIMING nonce, or the SHA-256 hex
// digest for HASH_VERIFY). Once every issued challenge across all rounds
// has passed, a PeerConsensus round opens against the currently eligible
// active peer set.
func (e *Engine) PassChallenge(readerID string, ct registry.ChallengeType, proof string, now time.Time) error {
	pol := e.policy.Get()
	peers := e.registry.All()
	eligible := countEligiblePeers(peers, readerID)

	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		if r.Status != registry.StatusProbation {
			return ErrNoSuchChallenge
		}
		if !e.passChallengeLocked(r, pol, ct, proof, now) {
			return ErrNoSuchChallenge
		}
		e.maybeOpenConsensusLocked(r, pol, eligible, now)
		return nil
	})
}

// passChallengeLocked finds the first open, unexpired challenge of type ct,
// records an attempt, and marks it passed on a matching proof. Exceeding
// challenge_max_attempts without success fails the whole probation attempt.
// Reports whether a matching open challenge was found at all.
func (e *Engine) passChallengeLocked(r *registry.Reader, pol *policy.Policy, ct registry.ChallengeType, proof string, now time.Time) bool {
	matched := false
	for i := range r.Challenges {
		c := &r.Challenges[i]
		if c.Type != ct || c.Passed || now.After(c.ExpiresAt) {
			continue
		}
		matched = true
		c.Attempts++

		if ct == registry.ChallengeTiming {
			elapsedMS := now.Sub(c.IssuedAt).Milliseconds()
			if elapsedMS > pol.Trust.TimingWindowMS {
				continue
			}
		}
		if ct != registry.ChallengeHashVerify && c.Payload != "" && proof == c.Payload {
			c.Passed = true
		} else if ct == registry.ChallengeHashVerify && c.Payload != "" && proof == cryptoutil.SHA256Hex([]byte(c.Payload)) {
			c.Passed = true
		}

		if !c.Passed && c.Attempts >= pol.Trust.ChallengeMaxAttempts {
			e.failProbationLocked(r, pol, now)
		}
		break
	}
	return matched
}

// maybeOpenConsensusLocked opens a PeerConsensus round once every issued
// challenge has passed.
func (e *Engine) maybeOpenConsensusLocked(r *registry.Reader, pol *policy.Policy, eligible int, now time.Time) {
	if r.Status != registry.StatusProbation || r.Consensus != nil {
		return
	}
	for _, c := range r.Challenges {
		if !c.Passed {
			return
		}
	}
	r.Consensus = &registry.ConsensusRound{OpenedAt: now, Votes: make(map[string]bool), EligiblePeers: eligible}
}

// CastVote records voterID's PeerConsensus vote for readerID. Self-voting is
// rejected; duplicate votes from the same voter are idempotent (latest
// wins). Crossing policy.consensus_approval_ratio restores readerID to
// ACTIVE immediately.
func (e *Engine) CastVote(readerID, voterID string, approve bool, now time.Time) error {
	if readerID == voterID {
		return ErrSelfVote
	}
	pol := e.policy.Get()

	return e.registry.WithLock(readerID, func(r *registry.Reader) error {
		if r.Status != registry.StatusProbation || r.Consensus == nil {
			return ErrNoOpenConsensus
		}
		if now.Sub(r.Consensus.OpenedAt) > pol.Trust.ConsensusTimeout {
			e.failProbationLocked(r, pol, now)
			return nil
		}

		r.Consensus.Votes[voterID] = approve

		if r.Consensus.EligiblePeers <= 0 {
			return nil
		}
		approvals := 0
		for _, v := range r.Consensus.Votes {
			if v {
				approvals++
			}
		}
		ratio := float64(approvals) / float64(r.Consensus.EligiblePeers)
		if ratio >= pol.Trust.ConsensusApprovalRatio {
			e.restoreLocked(r, pol, now)
		}
		return nil
	})
}

func countEligiblePeers(peers []registry.Reader, excludeReaderID string) int {
	n := 0
	for _, p := range peers {
		if p.ReaderID != excludeReaderID && p.Status == registry.StatusActive {
			n++
		}
	}
	return n
}

func mustNonce() string {
	n, err := cryptoutil.GenerateNonce()
	if err != nil {
		return "fallback-challenge-nonce"
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
