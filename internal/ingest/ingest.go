// Package ingest implements the Ingest Verifier (C6): the eight-step
// acceptance pipeline from spec §4.1, composing the crypto primitives
// (cryptoutil), reader registry (registry), nonce ledger (nonceledger) and
// rate limiter (ratelimit) into a single Accept call.
//
// The check-then-report-violation shape is grounded on the teacher's
// attack-mitigation request validator
// (_examples/Generativebots-ocx-backend-go-svc/internal/security/attack_mitigation.go),
// generalized from its ad hoc sequence of independent checks into the
// spec's fixed eight-step terminating sequence.
package ingest

import (
	"time"

	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
)

// Code enumerates ingest rejection reasons (spec §4.1).
type Code string

const (
	CodeUnknownReader   Code = "UNKNOWN_READER"
	CodeBadKeyVersion   Code = "BAD_KEY_VERSION"
	CodeBadSignature    Code = "BAD_SIGNATURE"
	CodeReplay          Code = "REPLAY"
	CodeStaleTimestamp  Code = "STALE_TIMESTAMP"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeReaderSuspended Code = "READER_SUSPENDED"
)

// Event is the inbound toll-crossing event (spec §6 ingest endpoint).
type Event struct {
	TagHash    string
	ReaderID   string
	Timestamp  int64
	Nonce      string
	Signature  string
	KeyVersion uint64
}

// Result is the outcome of Accept: Accepted is true, or Code names the
// rejection.
type Result struct {
	Accepted bool
	Code     Code // set when Accepted is false
	Reader   registry.Reader
}

// Violation is reported to the trust engine when a check in steps 2–6 fails
// on a known reader. An UNKNOWN_READER never reaches C7, and a
// READER_SUSPENDED rejection carries no Violation.
type Violation struct {
	ReaderID string
	Class    string
	Confidence float64
}

// Verifier runs the ingest acceptance sequence.
type Verifier struct {
	registry *registry.Registry
	nonces   nonceledger.Store
	limiter  *ratelimit.Limiter
	policy   *policy.Store
}

// New builds a Verifier over the given collaborators. nonces may be either
// the in-memory nonceledger.Ledger or a RedisLedger — any nonceledger.Store.
func New(reg *registry.Registry, nonces nonceledger.Store, limiter *ratelimit.Limiter, pol *policy.Store) *Verifier {
	return &Verifier{registry: reg, nonces: nonces, limiter: limiter, policy: pol}
}

// Accept runs the eight-step sequence from spec §4.1 against now. It
// returns the terminal Result and, on a rejection in steps 2–6, the
// Violation that should be handed to the trust engine. A READER_SUSPENDED
// rejection returns a nil Violation, so the trust engine does not penalize
// further attempts from a suspended or quarantined reader.
func (v *Verifier) Accept(ev Event, now time.Time) (Result, *Violation) {
	pol := v.policy.Get()

	snap, err := v.registry.Snapshot(ev.ReaderID)
	if err != nil {
		return Result{Accepted: false, Code: CodeUnknownReader}, nil
	}

	if ev.KeyVersion < snap.KeyVersion {
		return Result{Accepted: false, Code: CodeBadKeyVersion}, &Violation{
			ReaderID: ev.ReaderID, Class: policy.ViolationBadKeyVersion, Confidence: 1.0,
		}
	}

	message := cryptoutil.CanonicalMessage(ev.TagHash, ev.ReaderID, ev.Timestamp, ev.Nonce)
	if !cryptoutil.Verify(snap.Secret, message, ev.Signature) {
		return Result{Accepted: false, Code: CodeBadSignature}, &Violation{
			ReaderID: ev.ReaderID, Class: policy.ViolationBadSignature, Confidence: 1.0,
		}
	}

	drift := now.Unix() - ev.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > pol.Crypto.MaxTimestampDriftSec {
		return Result{Accepted: false, Code: CodeStaleTimestamp}, &Violation{
			ReaderID: ev.ReaderID, Class: policy.ViolationStaleTimestamp, Confidence: 1.0,
		}
	}

	if v.nonces.Contains(ev.ReaderID, ev.Nonce) {
		return Result{Accepted: false, Code: CodeReplay}, &Violation{
			ReaderID: ev.ReaderID, Class: policy.ViolationReplay, Confidence: 1.0,
		}
	}

	if !v.limiter.Allow(ev.ReaderID, now) {
		return Result{Accepted: false, Code: CodeRateLimited}, &Violation{
			ReaderID: ev.ReaderID, Class: policy.ViolationRateLimited, Confidence: 1.0,
		}
	}

	if snap.Status == registry.StatusSuspended || snap.Status == registry.StatusQuarantined {
		return Result{Accepted: false, Code: CodeReaderSuspended}, nil
	}

	v.nonces.SeenOrInsert(ev.ReaderID, ev.Nonce, now)

	return Result{Accepted: true, Reader: snap}, nil
}
