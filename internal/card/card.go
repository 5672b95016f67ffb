// Package card holds the toll-card balance store: tag_hash -> {balance,
// vehicle_type, tariff_class} (spec §3). Mutated only by a successful
// deduction, with rollback on downstream failure.
//
// The map-under-mutex shape is grounded on the teacher's billing engine
// (_examples/Generativebots-ocx-backend-go-svc/internal/economics/wallet.go),
// generalized from agent-wallet debit/credit bookkeeping to the toll
// domain's single deduct-then-rollback operation.
package card

import (
	"errors"
	"sync"
)

// ErrUnknownCard is returned when tag_hash has no card record.
var ErrUnknownCard = errors.New("card: unknown tag_hash")

// ErrInsufficientBalance is returned when a deduction would drive the
// balance negative.
var ErrInsufficientBalance = errors.New("card: insufficient balance")

// Card is one RFID tag's toll account.
type Card struct {
	TagHash     string
	Balance     float64
	VehicleType string
	TariffClass string
}

// Store is the in-memory card balance store.
type Store struct {
	mu    sync.Mutex
	cards map[string]*Card
}

// New returns an empty card Store.
func New() *Store {
	return &Store{cards: make(map[string]*Card)}
}

// Register creates or replaces a card record.
func (s *Store) Register(c Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.cards[c.TagHash] = &cp
}

// Lookup returns a copy of the card for tag_hash.
func (s *Store) Lookup(tagHash string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[tagHash]
	if !ok {
		return Card{}, ErrUnknownCard
	}
	return *c, nil
}

// Deduct atomically subtracts amount from tag_hash's balance. It refuses a
// deduction that would drive the balance negative — the spec's definition
// of a critical balance-manipulation violation (§9 design note) is any
// decision whose deduction would do exactly this.
func (s *Store) Deduct(tagHash string, amount float64) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[tagHash]
	if !ok {
		return Card{}, ErrUnknownCard
	}
	if c.Balance-amount < 0 {
		return *c, ErrInsufficientBalance
	}
	c.Balance -= amount
	return *c, nil
}

// Rollback credits amount back to tag_hash, undoing a deduction that a
// downstream failure (decision persistence) could not complete.
func (s *Store) Rollback(tagHash string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[tagHash]
	if !ok {
		return ErrUnknownCard
	}
	c.Balance += amount
	return nil
}
