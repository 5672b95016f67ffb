// Package ledgerclient abstracts the external blockchain the anchor worker
// (C11) submits Merkle roots to. There is no generated client here — the
// teacher's gRPC-backed AuditLogger
// (_examples/Generativebots-ocx-backend-go-svc/internal/ledger/client.go)
// depended on a generated protobuf package that has no home in this spec,
// so the submission surface is reduced to the plain interface it wrapped:
// submit a root, get back a chain reference, or an error the caller can
// retry on.
package ledgerclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnavailable indicates the external ledger could not be reached —
// callers should retry with backoff rather than treat the batch as failed.
var ErrUnavailable = errors.New("ledgerclient: external ledger unavailable")

// Receipt is returned by a successful anchor submission.
type Receipt struct {
	ChainReference string // client_reference, set to the submitted root hash for idempotency
	BlockHeight    uint64
}

// Client submits anchor batch roots to an external ledger.
type Client interface {
	Submit(ctx context.Context, rootHash string, leafCount int) (Receipt, error)
}

// MockClient is a deterministic in-memory stand-in for local runs and
// tests: every call succeeds unless FailNext is set, mirroring the
// teacher's practice of keeping a "mock" implementation of every outward
// client so the service degrades gracefully without live credentials.
type MockClient struct {
	FailNext bool
	height   uint64
}

// NewMock returns a MockClient starting at block height 0.
func NewMock() *MockClient {
	return &MockClient{}
}

// Submit always succeeds and returns client_reference=rootHash (spec §4.5's
// idempotency key), unless FailNext was set.
func (m *MockClient) Submit(ctx context.Context, rootHash string, leafCount int) (Receipt, error) {
	if m.FailNext {
		m.FailNext = false
		return Receipt{}, ErrUnavailable
	}
	m.height++
	return Receipt{ChainReference: rootHash, BlockHeight: m.height}, nil
}

// NewIdempotencyToken generates a random token for call sites that need one
// independent of the root hash (e.g. admin-triggered retries).
func NewIdempotencyToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ledgerclient: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
