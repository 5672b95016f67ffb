package card

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeductHappyPath(t *testing.T) {
	s := New()
	s.Register(Card{TagHash: "TAG1", Balance: 500, VehicleType: "CAR", TariffClass: "standard"})

	c, err := s.Deduct("TAG1", 50)
	require.NoError(t, err)
	assert.Equal(t, float64(450), c.Balance)
}

func TestDeductRejectsNegativeBalance(t *testing.T) {
	s := New()
	s.Register(Card{TagHash: "TAG1", Balance: 10})

	_, err := s.Deduct("TAG1", 50)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	c, _ := s.Lookup("TAG1")
	assert.Equal(t, float64(10), c.Balance)
}

func TestRollbackRestoresBalance(t *testing.T) {
	s := New()
	s.Register(Card{TagHash: "TAG1", Balance: 500})

	_, err := s.Deduct("TAG1", 50)
	require.NoError(t, err)
	require.NoError(t, s.Rollback("TAG1", 50))

	c, _ := s.Lookup("TAG1")
	assert.Equal(t, float64(500), c.Balance)
}

func TestLookupUnknownCard(t *testing.T) {
	s := New()
	_, err := s.Lookup("ghost")
	assert.ErrorIs(t, err, ErrUnknownCard)
}
