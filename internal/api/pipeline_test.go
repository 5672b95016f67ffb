package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tollguard/internal/admin"
	"github.com/ocx/tollguard/internal/anchor"
	"github.com/ocx/tollguard/internal/card"
	"github.com/ocx/tollguard/internal/clockservice"
	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/decisionlog"
	"github.com/ocx/tollguard/internal/events"
	"github.com/ocx/tollguard/internal/fraud"
	"github.com/ocx/tollguard/internal/ingest"
	"github.com/ocx/tollguard/internal/ledgerclient"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
	"github.com/ocx/tollguard/internal/trust"
	"github.com/ocx/tollguard/internal/vdf"
)

const testReaderSecret = "unit-test-reader-secret"

type testRig struct {
	server *Server
	clock  *clockservice.Fake
	secret []byte
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store, err := policy.NewStore("")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	clock := clockservice.NewFake(now)

	reg := registry.New()
	secret := []byte(testReaderSecret)
	require.True(t, reg.Register(&registry.Reader{
		ReaderID: "R1", Secret: secret, KeyVersion: 1,
		TrustScore: 100, Status: registry.StatusActive,
	}))

	bus := events.NewEventBus()
	nonces := nonceledger.New(time.Hour)
	t.Cleanup(nonces.Stop)
	limiter := ratelimit.New(100, 100)
	verifier := ingest.New(reg, nonces, limiter, store)
	engine := trust.New(reg, store, bus)
	detector := fraud.New(store, fraud.NullScorer{}, fraud.NullScorer{}, fraud.NullScorer{})

	cards := card.New()
	cards.Register(card.Card{TagHash: "TAG1", Balance: 100, VehicleType: "CAR", TariffClass: "STANDARD"})

	decisions := decisionlog.New(bus)
	chain := vdf.New(50, 5)
	anchors := anchor.New(store, ledgerclient.NewMock(), bus)
	adminSurface := admin.New(store, reg, engine, nonces, chain, anchors, decisions, limiter, []byte("root-key"))

	server := New(store, reg, verifier, engine, detector, cards, decisions, chain, anchors, adminSurface, bus, clock, nil)
	return &testRig{server: server, clock: clock, secret: secret}
}

func (rig *testRig) sign(tagHash, readerID string, ts int64, nonce string) string {
	msg := cryptoutil.CanonicalMessage(tagHash, readerID, ts, nonce)
	return cryptoutil.Sign(rig.secret, msg)
}

func (rig *testRig) ingest(t *testing.T, body ingestRequest) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/ingest", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	rig.server.handleIngest(w, req)
	return w
}

func TestHandleIngestAcceptsValidEventAndDeductsBalance(t *testing.T) {
	rig := newTestRig(t)
	ts := rig.clock.Now().Unix()
	sig := rig.sign("TAG1", "R1", ts, "nonce-1")

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-1", Signature: sig, KeyVersion: 1,
	})
	require.Equal(t, 200, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp["decision"])
	assert.NotEmpty(t, resp["event_id"])

	c, err := rig.server.cards.Lookup("TAG1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, c.Balance)

	assert.Len(t, rig.server.decisions.All(), 1)
}

func TestHandleIngestRejectsBadSignature(t *testing.T) {
	rig := newTestRig(t)
	ts := rig.clock.Now().Unix()

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-1", Signature: "deadbeef", KeyVersion: 1,
	})
	assert.Equal(t, 401, w.Code)
	assert.Empty(t, rig.server.decisions.All())
}

func TestHandleIngestRejectsReplayedNonce(t *testing.T) {
	rig := newTestRig(t)
	ts := rig.clock.Now().Unix()
	sig := rig.sign("TAG1", "R1", ts, "nonce-1")

	first := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-1", Signature: sig, KeyVersion: 1,
	})
	require.Equal(t, 200, first.Code)

	replay := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-1", Signature: sig, KeyVersion: 1,
	})
	assert.Equal(t, 409, replay.Code)
}

func TestHandleIngestRejectsUnknownReader(t *testing.T) {
	rig := newTestRig(t)
	ts := rig.clock.Now().Unix()

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "GHOST", Timestamp: ts,
		Nonce: "nonce-1", Signature: "deadbeef", KeyVersion: 1,
	})
	assert.Equal(t, 401, w.Code)
}

func TestHandleIngestBlocksOnInsufficientBalanceAndPenalizesTrust(t *testing.T) {
	rig := newTestRig(t)
	rig.server.cards.Register(card.Card{TagHash: "TAG2", Balance: 10, VehicleType: "CAR", TariffClass: "STANDARD"})

	ts := rig.clock.Now().Unix()
	sig := rig.sign("TAG2", "R1", ts, "nonce-2")

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG2", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-2", Signature: sig, KeyVersion: 1,
	})
	require.Equal(t, 200, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "block", resp["decision"])

	snap, err := rig.server.registry.Snapshot("R1")
	require.NoError(t, err)
	assert.Less(t, snap.TrustScore, 100.0)
}

func TestHandleIngestRecordsTagSeenForSuspicionPropagation(t *testing.T) {
	rig := newTestRig(t)
	ts := rig.clock.Now().Unix()
	sig := rig.sign("TAG1", "R1", ts, "nonce-tagseen")

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-tagseen", Signature: sig, KeyVersion: 1,
	})
	require.Equal(t, 200, w.Code)

	snap, err := rig.server.registry.Snapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"TAG1"}, snap.TagsSince(time.Unix(ts, 0).Add(-time.Minute)))
}

func TestHandleIngestSyncVDFAppendCarriesSeq(t *testing.T) {
	rig := newTestRig(t)
	rig.server.policy.Get().VDF.ResponseAwaitsVDF = true

	ts := rig.clock.Now().Unix()
	sig := rig.sign("TAG1", "R1", ts, "nonce-sync")

	w := rig.ingest(t, ingestRequest{
		TagHash: "TAG1", ReaderID: "R1", Timestamp: ts,
		Nonce: "nonce-sync", Signature: sig, KeyVersion: 1,
	})
	require.Equal(t, 200, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp["vdf_seq"])
	assert.Equal(t, 1.0, resp["vdf_seq"])
	assert.Equal(t, 1, rig.server.chain.Len())
}
