package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tollguard/internal/card"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/registry"
)

type fixedScorer struct {
	v   float64
	err error
}

func (f fixedScorer) Score(ctx context.Context, features map[string]float64) (float64, error) {
	return f.v, f.err
}

func newTestDetector(t *testing.T, mlA, mlB, iso Scorer) *Detector {
	t.Helper()
	store, err := policy.NewStore("")
	require.NoError(t, err)
	return New(store, mlA, mlB, iso)
}

func TestEvaluateAllowsCleanEvent(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 50, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive},
		nil, CrossReaderStats{}, nil)

	assert.Equal(t, "allow", dec.Fused)
	assert.Empty(t, dec.RuleFlags)
	assert.Nil(t, dec.MLA)
}

func TestEvaluateBlocksNonPositiveAmount(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 0, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive},
		nil, CrossReaderStats{}, nil)

	assert.Equal(t, "block", dec.Fused)
	assert.Contains(t, dec.RuleFlags, FlagNonPositiveAmount)
}

func TestEvaluateBlocksOnMLConsensus(t *testing.T) {
	d := newTestDetector(t, fixedScorer{v: 0.9}, fixedScorer{v: 0.85}, fixedScorer{v: 1.0})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive},
		nil, CrossReaderStats{}, nil)

	assert.Equal(t, "block", dec.Fused)
	require.NotNil(t, dec.MLA)
	assert.InDelta(t, 0.9, *dec.MLA, 0.0001)
}

func TestEvaluateDegradedReaderBlocksOnAnyFlag(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 600, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusDegraded},
		nil, CrossReaderStats{}, nil)

	assert.Equal(t, "block", dec.Fused)
	assert.Contains(t, dec.RuleFlags, FlagAmountCeiling)
}

func TestEvaluateFlagsDuplicateScanWindow(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()
	recent := []RecentScan{{TagHash: "TAG1", At: now.Add(-10 * time.Second)}}

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive},
		recent, CrossReaderStats{}, nil)

	assert.Contains(t, dec.RuleFlags, FlagDuplicateScan)
}

func TestEvaluateFlagsCrossOutlier(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()
	stats := CrossReaderStats{
		CountByReader: map[string]int{"R1": 100},
		MeanCount:     10,
	}

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive},
		nil, stats, nil)

	assert.Contains(t, dec.RuleFlags, FlagCrossOutlier)
}

func TestEvaluateFlagsSuspectTagWithinSuspicionTTL(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive, SuspectTags: []string{"TAG1"}, SuspectUntil: now.Add(time.Hour)},
		nil, CrossReaderStats{}, nil)

	assert.Contains(t, dec.RuleFlags, FlagSuspectTag)
	assert.Equal(t, "allow", dec.Fused)
}

func TestEvaluateSuspectTagHalvesMLBlockThreshold(t *testing.T) {
	d := newTestDetector(t, fixedScorer{v: 0.5}, fixedScorer{v: 0.45}, fixedScorer{v: 1.0})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive, SuspectTags: []string{"TAG1"}, SuspectUntil: now.Add(time.Hour)},
		nil, CrossReaderStats{}, nil)

	assert.Equal(t, "block", dec.Fused)
}

func TestEvaluateIgnoresSuspectTagAfterTTLExpires(t *testing.T) {
	d := newTestDetector(t, NullScorer{}, NullScorer{}, NullScorer{})
	now := time.Now()

	dec := d.Evaluate(context.Background(),
		Event{TagHash: "TAG1", ReaderID: "R1", Amount: 10, Timestamp: now},
		card.Card{VehicleType: "CAR"},
		registry.Reader{Status: registry.StatusActive, SuspectTags: []string{"TAG1"}, SuspectUntil: now.Add(-time.Minute)},
		nil, CrossReaderStats{}, nil)

	assert.NotContains(t, dec.RuleFlags, FlagSuspectTag)
}
