package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	fail := func() (interface{}, error) { return nil, errors.New("boom") }
	cb.Execute(fail)
	cb.Execute(fail)

	assert.Equal(t, StateOpen, cb.State())
	_, err := cb.Execute(fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     5 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteWithFallbackUsesFallbackWhenOpen(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })

	result, err := ExecuteWithFallback(cb,
		func() (string, error) { return "live", nil },
		func(error) (string, error) { return "fallback", nil })

	assert.NoError(t, err)
	assert.Equal(t, "fallback", result)
}

func TestTollCircuitBreakersHealthStatus(t *testing.T) {
	tcb := NewTollCircuitBreakers()
	status, breakdown := tcb.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Contains(t, breakdown, "ledger-submit")
}
