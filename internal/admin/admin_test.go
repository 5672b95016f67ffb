package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tollguard/internal/anchor"
	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/ledgerclient"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
	"github.com/ocx/tollguard/internal/trust"
	"github.com/ocx/tollguard/internal/vdf"
)

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	store, err := policy.NewStore("")
	require.NoError(t, err)
	store.Get().Admin.APIKey = "test-admin-key"
	store.Get().Anchor.BatchSize = 1

	reg := registry.New()
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: []byte("s"), KeyVersion: 1, TrustScore: 100, Status: registry.StatusActive})

	bus := events.NewEventBus()
	engine := trust.New(reg, store, bus)
	ledger := nonceledger.New(time.Hour)
	chain := vdf.New(50, 5)
	anchors := anchor.New(store, ledgerclient.NewMock(), bus)
	decisions := decisionlog.New(bus)
	limiter := ratelimit.New(5, 20)

	return New(store, reg, engine, ledger, chain, anchors, decisions, limiter, []byte("root-key"))
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	s := newTestSurface(t)
	assert.ErrorIs(t, s.Authenticate("wrong"), ErrUnauthorized)
	assert.NoError(t, s.Authenticate("test-admin-key"))
}

func TestRotateReaderSecretBumpsVersion(t *testing.T) {
	s := newTestSurface(t)
	v, err := s.RotateReaderSecret("R1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestResetTrustClampsAndReclassifies(t *testing.T) {
	s := newTestSurface(t)
	require.NoError(t, s.ResetTrust("R1", 150, time.Now()))

	snap, err := s.reg.Snapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.TrustScore)
}

func TestResetTrustClearsDrainedRateLimitBucket(t *testing.T) {
	s := newTestSurface(t)
	now := time.Now()

	for s.limiter.Allow("R1", now) {
	}
	assert.False(t, s.limiter.Allow("R1", now))

	require.NoError(t, s.ResetTrust("R1", 100, now))
	assert.True(t, s.limiter.Allow("R1", now))
}

func TestResetTrustRestoresQuarantinedReaderToActive(t *testing.T) {
	s := newTestSurface(t)
	now := time.Now()
	require.NoError(t, s.ForceQuarantine("R1", "suspected tampering", now))

	snap, err := s.reg.Snapshot("R1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusQuarantined, snap.Status)

	require.NoError(t, s.ResetTrust("R1", 100, now))

	snap, err = s.reg.Snapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, snap.Status)
	assert.Equal(t, 100.0, snap.TrustScore)
}

func TestForceQuarantineSetsStatus(t *testing.T) {
	s := newTestSurface(t)
	require.NoError(t, s.ForceQuarantine("R1", "suspected tampering", time.Now()))

	snap, err := s.reg.Snapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusQuarantined, snap.Status)
}

func TestClearNoncesRemovesOlderEntries(t *testing.T) {
	s := newTestSurface(t)
	old := time.Now().Add(-time.Hour)
	s.ledger.SeenOrInsert("R1", "n1", old)

	removed := s.ClearNonces(time.Now())
	assert.Equal(t, 1, removed)
}

func TestReseedVDFGenesisFailsWhenChainNonEmpty(t *testing.T) {
	s := newTestSurface(t)
	s.chain.Append("<seed>", "E1", "R1", time.Now().Unix())

	err := s.ReseedVDFGenesis("new-seed")
	assert.ErrorIs(t, err, ErrChainNotEmpty)
}

func TestReseedVDFGenesisSucceedsWhenEmpty(t *testing.T) {
	s := newTestSurface(t)
	assert.NoError(t, s.ReseedVDFGenesis("new-seed"))
	assert.Equal(t, "new-seed", s.pol.Get().VDF.GenesisSeed)
}

func TestReconcileVDFChainReportsUnlinkedDecisions(t *testing.T) {
	s := newTestSurface(t)
	now := time.Now()

	s.decisions.Append(decisionlog.Record{EventID: "E1", ReaderID: "R1", Timestamp: now})
	s.decisions.Append(decisionlog.Record{EventID: "E2", ReaderID: "R1", Timestamp: now})
	s.chain.Append("<seed>", "E1", "R1", now.Unix())

	missing := s.ReconcileVDFChain()
	assert.Equal(t, []string{"E2"}, missing)
}

func TestListAndRetryPendingAnchors(t *testing.T) {
	s := newTestSurface(t)
	link := s.chain.Append("<seed>", "E1", "R1", time.Now().Unix())
	s.anchors.Enqueue(link)
	a := s.anchors.MaybeFlush(time.Now())
	require.NotNil(t, a)

	pending := s.ListPendingAnchors()
	require.Len(t, pending, 1)
	assert.NoError(t, s.RetryAnchor(pending[0].ID))
}
