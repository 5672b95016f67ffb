package anchor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tollguard/internal/ledgerclient"
	"github.com/ocx/tollguard/internal/policy"
	"github.com/ocx/tollguard/internal/vdf"
)

func newTestQueue(t *testing.T) (*Queue, *ledgerclient.MockClient) {
	t.Helper()
	store, err := policy.NewStore("")
	require.NoError(t, err)
	// A batch size of 1 lets a single enqueued link flush immediately; tests
	// of the batching thresholds override it.
	store.Get().Anchor.BatchSize = 1
	client := ledgerclient.NewMock()
	return New(store, client, nil), client
}

func TestMaybeFlushRespectsBatchSize(t *testing.T) {
	q, _ := newTestQueue(t)
	q.pol.Get().Anchor.BatchSize = 3

	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	q.Enqueue(vdf.Link{Seq: 2, VDFOutput: "b"})
	assert.Nil(t, q.MaybeFlush(time.Now()))

	q.Enqueue(vdf.Link{Seq: 3, VDFOutput: "c"})
	a := q.MaybeFlush(time.Now())
	require.NotNil(t, a)
	assert.Len(t, a.Links, 3)
	assert.NotEmpty(t, a.RootHash)
}

func TestMaybeFlushRespectsMaxDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	pol := q.pol.Get()
	pol.Anchor.BatchSize = 100
	pol.Anchor.MaxDelay = time.Millisecond

	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	time.Sleep(5 * time.Millisecond)

	a := q.MaybeFlush(time.Now())
	require.NotNil(t, a)
	assert.Len(t, a.Links, 1)
}

func TestSubmitSuccessMarksSent(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	a := q.MaybeFlush(time.Now())
	require.NotNil(t, a)

	err := q.Submit(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, a.Status)
	assert.Equal(t, a.RootHash, a.ChainReference)
}

func TestSubmitTransientFailureStaysPendingWithBackoff(t *testing.T) {
	q, client := newTestQueue(t)
	client.FailNext = true

	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	a := q.MaybeFlush(time.Now())
	require.NotNil(t, a)

	err := q.Submit(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.True(t, a.NextAttemptAt.After(time.Now()))
}

func TestRetryClearsBackoff(t *testing.T) {
	q, client := newTestQueue(t)
	client.FailNext = true

	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	a := q.MaybeFlush(time.Now())
	require.NotNil(t, a)
	require.NoError(t, q.Submit(context.Background(), a))

	require.NoError(t, q.Retry(a.ID))
	got, ok := q.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.NextAttemptAt.IsZero())
}

func TestPendingExcludesSentAnchors(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue(vdf.Link{Seq: 1, VDFOutput: "a"})
	a := q.MaybeFlush(time.Now())
	require.NoError(t, q.Submit(context.Background(), a))

	assert.Empty(t, q.Pending())
}

func TestBackoffWithJitterNeverExceedsCap(t *testing.T) {
	cap := 5 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffWithJitter(time.Second, cap, attempt)
		assert.LessOrEqual(t, d, cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
