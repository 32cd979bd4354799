package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.waggle.dev/waggle/pkg/types"
)

var entryFooA = types.TestEntry{ClassName: "FooTests", MethodName: "testA"}

func testBucket(id string, retries uint, entries ...types.TestEntry) types.Bucket {
	payload := testPayload(entries...)
	payload.NumberOfRetries = retries
	return types.Bucket{BucketID: id, Payload: payload}
}

func enqueued(b types.Bucket) types.EnqueuedBucket {
	return types.EnqueuedBucket{Bucket: b, UniqueID: "u-" + b.BucketID}
}

func failedResult(entries ...types.TestEntry) types.TestingResult {
	r := types.TestingResult{}
	for _, e := range entries {
		r.UnfilteredResults = append(r.UnfilteredResults, types.TestEntryResult{
			Entry:  e,
			Status: types.TestStatusFailed,
		})
	}
	return r
}

func newTestTracker(t *testing.T) *Tracker {
	return NewTracker(NewStorage(), zaptest.NewLogger(t))
}

func TestBucketToDequeue_FreshBucket(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 1, entryFooA)
	got := tr.BucketToDequeue("w1", []types.EnqueuedBucket{enqueued(b)}, []types.WorkerID{"w1"})
	require.NotNil(t, got)
	assert.Equal(t, "b1", got.Bucket.BucketID)
}

func TestBucketToDequeue_AvoidsFailedWorker(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 1, entryFooA)
	alive := []types.WorkerID{"w1", "w2"}

	tr.RegisterAttempt(b, "w1")
	res := tr.Accept(failedResult(entryFooA), b, "w1", alive)
	assert.Equal(t, []types.TestEntry{entryFooA}, res.TestEntriesToReenqueue)
	assert.Empty(t, res.TestingResult.UnfilteredResults)

	queue := []types.EnqueuedBucket{enqueued(b)}
	// w1 failed the test and w2 is alive: skip for w1.
	assert.Nil(t, tr.BucketToDequeue("w1", queue, alive))
	// w2 still gets it.
	got := tr.BucketToDequeue("w2", queue, alive)
	require.NotNil(t, got)
	assert.Equal(t, "b1", got.Bucket.BucketID)
}

func TestBucketToDequeue_LastAliveWorkerGetsQuarantinedBucket(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 2, entryFooA)
	alive := []types.WorkerID{"w1"}

	tr.RegisterAttempt(b, "w1")
	tr.Accept(failedResult(entryFooA), b, "w1", alive)

	// Nobody else can take it, so w1 gets it back.
	got := tr.BucketToDequeue("w1", []types.EnqueuedBucket{enqueued(b)}, alive)
	require.NotNil(t, got)
	assert.Equal(t, "b1", got.Bucket.BucketID)
}

func TestBucketToDequeue_SkipsToEligibleBucket(t *testing.T) {
	tr := newTestTracker(t)
	b1 := testBucket("b1", 1, entryFooA)
	entryBarB := types.TestEntry{ClassName: "BarTests", MethodName: "testB"}
	b2 := testBucket("b2", 1, entryBarB)
	alive := []types.WorkerID{"w1", "w2"}

	tr.RegisterAttempt(b1, "w1")
	tr.Accept(failedResult(entryFooA), b1, "w1", alive)

	queue := []types.EnqueuedBucket{enqueued(b1), enqueued(b2)}
	got := tr.BucketToDequeue("w1", queue, alive)
	require.NotNil(t, got)
	assert.Equal(t, "b2", got.Bucket.BucketID)
}

func TestAccept_RetryBudgetExhausted(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 2, entryFooA)
	alive := []types.WorkerID{"w1"}

	// Three failures on a budget of two retries: the last one is final.
	for i := 0; i < 2; i++ {
		tr.RegisterAttempt(b, "w1")
		res := tr.Accept(failedResult(entryFooA), b, "w1", alive)
		assert.Equal(t, []types.TestEntry{entryFooA}, res.TestEntriesToReenqueue, "round %d", i)
		assert.Empty(t, res.TestingResult.UnfilteredResults, "round %d", i)
	}
	tr.RegisterAttempt(b, "w1")
	res := tr.Accept(failedResult(entryFooA), b, "w1", alive)
	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.TestingResult.UnfilteredResults, 1)
	assert.Equal(t, types.TestStatusFailed, res.TestingResult.UnfilteredResults[0].Status)
}

func TestAccept_ZeroRetries(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 0, entryFooA)
	tr.RegisterAttempt(b, "w1")
	res := tr.Accept(failedResult(entryFooA), b, "w1", []types.WorkerID{"w1"})
	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.TestingResult.UnfilteredResults, 1)
}

func TestAccept_SuccessPassesThrough(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 2, entryFooA)
	tr.RegisterAttempt(b, "w1")
	res := tr.Accept(types.TestingResult{
		UnfilteredResults: []types.TestEntryResult{
			{Entry: entryFooA, Status: types.TestStatusSucceeded},
		},
	}, b, "w1", []types.WorkerID{"w1"})
	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.TestingResult.UnfilteredResults, 1)
	assert.Equal(t, types.TestStatusSucceeded, res.TestingResult.UnfilteredResults[0].Status)
}

func TestAccept_LostDoesNotQuarantineWorker(t *testing.T) {
	tr := newTestTracker(t)
	b := testBucket("b1", 1, entryFooA)
	alive := []types.WorkerID{"w1", "w2"}

	tr.RegisterAttempt(b, "w1")
	res := tr.Accept(types.TestingResult{
		UnfilteredResults: []types.TestEntryResult{
			{Entry: entryFooA, Status: types.TestStatusLost},
		},
	}, b, "w1", alive)
	assert.Equal(t, []types.TestEntry{entryFooA}, res.TestEntriesToReenqueue)

	// The lost attempt consumed budget but w1 is not avoided.
	got := tr.BucketToDequeue("w1", []types.EnqueuedBucket{enqueued(b)}, alive)
	require.NotNil(t, got)
}

func TestWillReenqueue_LineageFollowsHistory(t *testing.T) {
	tr := newTestTracker(t)
	entryBarB := types.TestEntry{ClassName: "BarTests", MethodName: "testB"}
	b := testBucket("b1", 1, entryFooA, entryBarB)
	alive := []types.WorkerID{"w1", "w2"}

	tr.RegisterAttempt(b, "w1")
	res0 := tr.Accept(types.TestingResult{
		UnfilteredResults: []types.TestEntryResult{
			{Entry: entryFooA, Status: types.TestStatusFailed},
			{Entry: entryBarB, Status: types.TestStatusSucceeded},
		},
	}, b, "w1", alive)
	assert.Equal(t, []types.TestEntry{entryFooA}, res0.TestEntriesToReenqueue)

	// Replacement bucket with a fresh ID carrying only the retried entry.
	// Its own payload hashes differently, so avoidance relies on the lineage.
	replacement := testBucket("b2", 1, entryFooA)
	tr.WillReenqueue(b, []string{"b2"})

	queue := []types.EnqueuedBucket{enqueued(replacement)}
	// w1's failure follows the lineage: still avoided.
	assert.Nil(t, tr.BucketToDequeue("w1", queue, alive))
	require.NotNil(t, tr.BucketToDequeue("w2", queue, alive))

	// Second failure by w2 exhausts the single retry.
	tr.RegisterAttempt(replacement, "w2")
	res := tr.Accept(failedResult(entryFooA), replacement, "w2", alive)
	assert.Empty(t, res.TestEntriesToReenqueue)
	require.Len(t, res.TestingResult.UnfilteredResults, 1)
}

func TestStorage_RegisterIdempotent(t *testing.T) {
	s := NewStorage()
	id := ID{Entry: entryFooA}
	s.RegisterAttempt(id, "w1")
	s.RegisterAttempt(id, "w1")
	assert.Len(t, s.Attempts(id), 1)

	s.RegisterResult(id, "w1", types.TestStatusFailed)
	s.RegisterResult(id, "w1", types.TestStatusFailed)
	assert.Len(t, s.Attempts(id), 1)
	assert.Equal(t, 1, s.FailureCount(id, "w1"))

	// A second attempt opens and closes independently.
	s.RegisterAttempt(id, "w1")
	s.RegisterResult(id, "w1", types.TestStatusFailed)
	assert.Equal(t, 2, s.FailureCount(id, "w1"))
	assert.Equal(t, 2, s.RetryRelevantCount(id))
}
