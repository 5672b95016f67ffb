package vdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeVerifyRoundTrip(t *testing.T) {
	output, checkpoints := Compute([]byte("seed-input"), 1000, 10)
	assert.Len(t, checkpoints, 10)
	assert.True(t, Verify([]byte("seed-input"), 1000, 10, checkpoints, output))
}

func TestVerifyRejectsTamperedOutput(t *testing.T) {
	output, checkpoints := Compute([]byte("seed-input"), 1000, 10)
	assert.False(t, Verify([]byte("seed-input"), 1000, 10, checkpoints, output+"00"))
}

func TestVerifyRejectsTamperedCheckpoint(t *testing.T) {
	output, checkpoints := Compute([]byte("seed-input"), 1000, 10)
	bad := make([]string, len(checkpoints))
	copy(bad, checkpoints)
	bad[0] = "0000000000000000000000000000000000000000000000000000000000000000"
	assert.False(t, Verify([]byte("seed-input"), 1000, 10, bad, output))
}

func TestDifficultyOneProducesSingleCheckpoint(t *testing.T) {
	output, checkpoints := Compute([]byte("x"), 1, 10)
	assert.Len(t, checkpoints, 1)
	assert.Equal(t, output, checkpoints[0])
	assert.True(t, Verify([]byte("x"), 1, 10, checkpoints, output))
}

func TestComputeDeterministic(t *testing.T) {
	o1, c1 := Compute([]byte("same"), 500, 5)
	o2, c2 := Compute([]byte("same"), 500, 5)
	assert.Equal(t, o1, o2)
	assert.Equal(t, c1, c2)
}
