// Package admin implements the operator control surface (C12): reader
// secret rotation, trust overrides, nonce GC, VDF genesis reseed, and
// anchor-queue inspection/retry, every operation gated by a constant-time
// comparison against the configured admin key (spec §6).
//
// Grounded on the teacher's admin control port
// (_examples/Generativebots-ocx-backend-go-svc/internal/api/admin.go): a
// thin handler that authenticates, decodes a request, and delegates
// straight into the owning engine/registry — generalized here from a
// single policy-update action into the full admin operation set this spec
// requires.
package admin

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ocx/tollguard/internal/anchor"
	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
	"github.com/ocx/tollguard/internal/trust"
	"github.com/ocx/tollguard/internal/vdf"
)

// ErrUnauthorized is returned when the supplied key does not match.
var ErrUnauthorized = errors.New("admin: invalid api key")

// ErrChainNotEmpty is returned by ReseedVDFGenesis when the chain already
// has links — reseeding a non-empty chain would desynchronize every
// existing link's prev_output.
var ErrChainNotEmpty = errors.New("admin: cannot reseed genesis, chain is not empty")

// Surface wires the admin operations to the live engine components. rootKey
// is the operator root key DeriveReaderSecret rotates against.
type Surface struct {
	pol       *policy.Store
	reg       *registry.Registry
	engine    *trust.Engine
	ledger    nonceledger.Store
	chain     *vdf.Chain
	anchors   *anchor.Queue
	decisions *decisionlog.Log
	limiter   *ratelimit.Limiter
	rootKey   []byte
}

// New builds a Surface. decisions and limiter may be nil in tests that
// don't exercise reconciliation or rate-limit-bucket reset. ledger may be
// either the in-memory nonceledger.Ledger or a RedisLedger.
func New(pol *policy.Store, reg *registry.Registry, engine *trust.Engine, ledger nonceledger.Store, chain *vdf.Chain, anchors *anchor.Queue, decisions *decisionlog.Log, limiter *ratelimit.Limiter, rootKey []byte) *Surface {
	return &Surface{pol: pol, reg: reg, engine: engine, ledger: ledger, chain: chain, anchors: anchors, decisions: decisions, limiter: limiter, rootKey: rootKey}
}

// Authenticate constant-time compares suppliedKey against the configured
// admin key.
func (s *Surface) Authenticate(suppliedKey string) error {
	want := []byte(s.pol.Get().Admin.APIKey)
	got := []byte(suppliedKey)
	if len(want) != len(got) || !hmac.Equal(want, got) {
		return ErrUnauthorized
	}
	return nil
}

// RotateReaderSecret bumps reader_id's key_version and derives a fresh
// secret via HKDF, returning the new version.
func (s *Surface) RotateReaderSecret(readerID string) (uint64, error) {
	var newVersion uint64
	err := s.reg.WithLock(readerID, func(r *registry.Reader) error {
		newVersion = r.KeyVersion + 1
		secret, derr := cryptoutil.DeriveReaderSecret(s.rootKey, readerID, newVersion)
		if derr != nil {
			return derr
		}
		r.KeyVersion = newVersion
		r.Secret = secret
		return nil
	})
	return newVersion, err
}

// ResetTrust force-sets reader_id's trust_score and reclassifies status via
// the trust engine (so a QUARANTINED/SUSPENDED reader actually returns to
// serving, not just to a clean score). A manual reset also clears any
// accumulated rate-limit back-pressure, so an operator-restored reader
// isn't immediately RATE_LIMITED by a bucket that drained while it was
// degraded.
func (s *Surface) ResetTrust(readerID string, score float64, now time.Time) error {
	err := s.engine.ResetTrust(readerID, score, now)
	if err == nil && s.limiter != nil {
		s.limiter.Reset(readerID, now)
	}
	return err
}

// ForceQuarantine drives reader_id straight into QUARANTINED with the given
// reason recorded via the event bus (through the trust engine).
func (s *Surface) ForceQuarantine(readerID, reason string, now time.Time) error {
	return s.engine.ForceQuarantine(readerID, reason, now)
}

// ClearNonces purges ledger entries recorded before the given time.
func (s *Surface) ClearNonces(before time.Time) int {
	return s.ledger.Clear(before)
}

// ReseedVDFGenesis is only permitted when the chain has no links yet —
// reseeding after links exist would break every existing prev_output
// pointer (spec: "reseed_vdf_genesis(seed) only when chain is empty").
func (s *Surface) ReseedVDFGenesis(seed string) error {
	if s.chain.Len() != 0 {
		return ErrChainNotEmpty
	}
	s.pol.SetVDFGenesisSeed(seed)
	return nil
}

// ListPendingAnchors returns every anchor not yet SENT.
func (s *Surface) ListPendingAnchors() []anchor.Anchor {
	return s.anchors.Pending()
}

// RetryAnchor resets anchor id's backoff so the worker retries immediately.
func (s *Surface) RetryAnchor(id string) error {
	return s.anchors.Retry(id)
}

// ReconcileVDFChain returns the event_id of every DecisionRecord that has
// no corresponding VdfLink in the chain — the gap the async append path
// (policy.vdf.response_awaits_vdf = false) can momentarily leave behind a
// crashed worker, and which spec §5's "every accepted DecisionRecord must
// eventually produce exactly one VdfLink" invariant requires an operator
// be able to detect and re-drive.
func (s *Surface) ReconcileVDFChain() []string {
	if s.decisions == nil {
		return nil
	}
	linked := make(map[string]bool, s.chain.Len())
	for _, link := range s.chain.Links() {
		linked[link.EventID] = true
	}

	var missing []string
	for _, rec := range s.decisions.All() {
		if !linked[rec.EventID] {
			missing = append(missing, rec.EventID)
		}
	}
	return missing
}

// NewAdminKey generates a random admin key suitable for
// TOLLGUARD_ADMIN_KEY, for operators bootstrapping a fresh deployment.
func NewAdminKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("admin: generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
