package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tollguard/internal/cryptoutil"
	"github.com/ocx/tollguard/internal/nonceledger"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/ratelimit"
	"github.com/ocx/tollguard/internal/registry"
)

func newTestVerifier(t *testing.T) (*Verifier, *registry.Registry, *nonceledger.Ledger) {
	t.Helper()

	store, err := policy.NewStore("")
	require.NoError(t, err)

	reg := registry.New()
	nonces := nonceledger.New(time.Hour)
	t.Cleanup(nonces.Stop)
	limiter := ratelimit.New(1000, 1000)

	return New(reg, nonces, limiter, store), reg, nonces
}

func signedEvent(secret []byte, tagHash, readerID string, ts int64, nonce string, keyVersion uint64) Event {
	msg := cryptoutil.CanonicalMessage(tagHash, readerID, ts, nonce)
	return Event{
		TagHash:    tagHash,
		ReaderID:   readerID,
		Timestamp:  ts,
		Nonce:      nonce,
		Signature:  cryptoutil.Sign(secret, msg),
		KeyVersion: keyVersion,
	}
}

func TestAcceptUnknownReader(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	now := time.Now()

	res, violation := v.Accept(Event{ReaderID: "ghost"}, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeUnknownReader, res.Code)
	assert.Nil(t, violation)
}

func TestAcceptHappyPath(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 1, TrustScore: 100})

	now := time.Now()
	ev := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-1", 1)

	res, violation := v.Accept(ev, now)
	require.Nil(t, violation)
	assert.True(t, res.Accepted)
	assert.Equal(t, "R1", res.Reader.ReaderID)
}

func TestAcceptRejectsBadKeyVersion(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 2, TrustScore: 100})

	now := time.Now()
	ev := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-1", 1)

	res, violation := v.Accept(ev, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeBadKeyVersion, res.Code)
	require.NotNil(t, violation)
	assert.Equal(t, policy.ViolationBadKeyVersion, violation.Class)
}

func TestAcceptRejectsBadSignature(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: []byte("reader-secret"), KeyVersion: 1, TrustScore: 100})

	now := time.Now()
	ev := Event{TagHash: "TAG1", ReaderID: "R1", Timestamp: now.Unix(), Nonce: "nonce-1", Signature: "00", KeyVersion: 1}

	res, violation := v.Accept(ev, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeBadSignature, res.Code)
	require.NotNil(t, violation)
	assert.Equal(t, policy.ViolationBadSignature, violation.Class)
}

func TestAcceptRejectsStaleTimestampAtBoundary(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 1, TrustScore: 100})

	now := time.Now()
	maxDrift := v.policy.Get().Crypto.MaxTimestampDriftSec

	atBoundary := signedEvent(secret, "TAG1", "R1", now.Unix()-maxDrift, "nonce-ok", 1)
	res, _ := v.Accept(atBoundary, now)
	assert.True(t, res.Accepted)

	pastBoundary := signedEvent(secret, "TAG1", "R1", now.Unix()-maxDrift-1, "nonce-stale", 1)
	res, violation := v.Accept(pastBoundary, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeStaleTimestamp, res.Code)
	require.NotNil(t, violation)
}

func TestAcceptRejectsReplay(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 1, TrustScore: 100})

	now := time.Now()
	ev := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-1", 1)

	res, _ := v.Accept(ev, now)
	require.True(t, res.Accepted)

	res, violation := v.Accept(ev, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeReplay, res.Code)
	require.NotNil(t, violation)
	assert.Equal(t, policy.ViolationReplay, violation.Class)
}

func TestAcceptRejectsSuspendedReader(t *testing.T) {
	v, reg, _ := newTestVerifier(t)
	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 1, TrustScore: 10, Status: registry.StatusSuspended})

	now := time.Now()
	ev := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-1", 1)

	res, violation := v.Accept(ev, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeReaderSuspended, res.Code)
	assert.Nil(t, violation)
}

func TestAcceptRejectsRateLimited(t *testing.T) {
	store, err := policy.NewStore("")
	require.NoError(t, err)
	reg := registry.New()
	nonces := nonceledger.New(time.Hour)
	defer nonces.Stop()
	limiter := ratelimit.New(0, 1)
	v := New(reg, nonces, limiter, store)

	secret := []byte("reader-secret")
	reg.Register(&registry.Reader{ReaderID: "R1", Secret: secret, KeyVersion: 1, TrustScore: 100})

	now := time.Now()
	ev1 := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-1", 1)
	res, _ := v.Accept(ev1, now)
	require.True(t, res.Accepted)

	ev2 := signedEvent(secret, "TAG1", "R1", now.Unix(), "nonce-2", 1)
	res, violation := v.Accept(ev2, now)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeRateLimited, res.Code)
	require.NotNil(t, violation)
}
