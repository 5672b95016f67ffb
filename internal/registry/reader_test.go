package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndSnapshot(t *testing.T) {
	reg := New()
	ok := reg.Register(&Reader{ReaderID: "R1", TrustScore: 100})
	require.True(t, ok)

	snap, err := reg.Snapshot("R1")
	require.NoError(t, err)
	assert.Equal(t, "R1", snap.ReaderID)
	assert.Equal(t, StatusActive, snap.Status)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg := New()
	require.True(t, reg.Register(&Reader{ReaderID: "R1"}))
	assert.False(t, reg.Register(&Reader{ReaderID: "R1"}))
}

func TestWithLockUnknownReader(t *testing.T) {
	reg := New()
	err := reg.WithLock("ghost", func(r *Reader) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownReader)
}

func TestWithLockSerializesConcurrentUpdates(t *testing.T) {
	reg := New()
	reg.Register(&Reader{ReaderID: "R1", TrustScore: 0})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.WithLock("R1", func(r *Reader) error {
				r.TrustScore++
				return nil
			})
		}()
	}
	wg.Wait()

	snap, _ := reg.Snapshot("R1")
	assert.Equal(t, float64(100), snap.TrustScore)
}

func TestRecordTagSeenDropsOldEntries(t *testing.T) {
	r := &Reader{ReaderID: "R1"}
	now := time.Now()
	r.RecordTagSeen("tagA", now.Add(-2*time.Hour), time.Hour)
	r.RecordTagSeen("tagB", now, time.Hour)

	tags := r.TagsSince(now.Add(-time.Minute))
	assert.Equal(t, []string{"tagB"}, tags)
}
