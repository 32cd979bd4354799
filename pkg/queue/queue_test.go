package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/cachegc"
	"go.waggle.dev/waggle/pkg/history"
	"go.waggle.dev/waggle/pkg/types"
)

const testPollInterval = 30 * time.Second

type testEnv struct {
	alive *aliveness.Provider
	bq    *BalancingQueue
}

func newTestEnv(t *testing.T, workers ...types.WorkerID) *testEnv {
	log := zaptest.NewLogger(t)
	alive := aliveness.NewProvider(aliveness.Config{
		ReportAliveInterval:           time.Hour,
		AdditionalTimeToPerformReport: time.Hour,
	}, workers, log)
	for _, w := range workers {
		require.NoError(t, alive.DidRegisterWorker(w))
	}
	tracker := history.NewTracker(history.NewStorage(), log)
	tombstones, err := cachegc.New(128, time.Hour)
	require.NoError(t, err)
	return &testEnv{
		alive: alive,
		bq:    NewBalancingQueue(tracker, alive, testPollInterval, tombstones, log),
	}
}

func makeBucket(id string, retries uint, entries ...types.TestEntry) types.Bucket {
	if len(entries) == 0 {
		entries = []types.TestEntry{{ClassName: "FooTests", MethodName: "testA"}}
	}
	return types.Bucket{
		BucketID: id,
		Payload: types.BucketPayload{
			TestEntries:     entries,
			TestDestination: types.TestDestination{DeviceType: "phone-8", RuntimeVersion: "14.1"},
			TestTimeout:     300 * time.Second,
			NumberOfRetries: retries,
		},
	}
}

func jobInfo(jobID types.JobID, prio types.Priority) types.JobPrioritizationInfo {
	return types.JobPrioritizationInfo{
		JobID:            jobID,
		JobGroupID:       types.JobGroupID(jobID),
		JobPriority:      prio,
		JobGroupPriority: prio,
	}
}

func successResult(b types.Bucket) types.BucketResult {
	r := &types.TestingResult{TestDestination: b.Payload.TestDestination}
	for _, e := range b.Payload.TestEntries {
		r.UnfilteredResults = append(r.UnfilteredResults, types.TestEntryResult{
			Entry:  e,
			Status: types.TestStatusSucceeded,
		})
	}
	return types.BucketResult{TestingResult: r}
}

func failureResult(b types.Bucket) types.BucketResult {
	r := &types.TestingResult{TestDestination: b.Payload.TestDestination}
	for _, e := range b.Payload.TestEntries {
		r.UnfilteredResults = append(r.UnfilteredResults, types.TestEntryResult{
			Entry:  e,
			Status: types.TestStatusFailed,
		})
	}
	return types.BucketResult{TestingResult: r}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t, "w1")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	assert.Equal(t, "b1", res.Bucket.EnqueuedBucket.Bucket.BucketID)

	outcome, err := env.bq.Accept("b1", successResult(b1), "w1")
	require.NoError(t, err)
	assert.Equal(t, types.JobID("j1"), outcome.JobID)
	assert.Empty(t, outcome.ReenqueuedBuckets)

	results, err := env.bq.JobResults("j1")
	require.NoError(t, err)
	require.Len(t, results.TestingResults, 1)
	require.Len(t, results.TestingResults[0].UnfilteredResults, 1)
	assert.Equal(t, types.TestStatusSucceeded, results.TestingResults[0].UnfilteredResults[0].Status)

	state, err := env.bq.JobState("j1")
	require.NoError(t, err)
	assert.True(t, state.IsDepleted())
}

func TestDequeue_WorkerStates(t *testing.T) {
	env := newTestEnv(t, "w1")
	require.NoError(t, env.bq.Enqueue([]types.Bucket{makeBucket("b1", 0)}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("ghost", nil)
	assert.Equal(t, VerdictWorkerIsNotAlive, res.Verdict)

	require.NoError(t, env.alive.Block("w1"))
	res = env.bq.DequeueBucket("w1", nil)
	assert.Equal(t, VerdictWorkerIsBlocked, res.Verdict)
}

func TestRetryOnFailure(t *testing.T) {
	env := newTestEnv(t, "w1")
	b1 := makeBucket("b1", 2)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	seen := map[string]struct{}{}
	// Two failed rounds re-enqueue with fresh IDs and mask the failure.
	currentID := "b1"
	current := b1
	for round := 0; round < 2; round++ {
		res := env.bq.DequeueBucket("w1", nil)
		require.Equal(t, VerdictDequeuedBucket, res.Verdict, "round %d", round)
		got := res.Bucket.EnqueuedBucket.Bucket
		assert.Equal(t, currentID, got.BucketID)
		_, dup := seen[got.BucketID]
		assert.False(t, dup)
		seen[got.BucketID] = struct{}{}

		outcome, err := env.bq.Accept(got.BucketID, failureResult(got), "w1")
		require.NoError(t, err)
		assert.Empty(t, outcome.TestingResult.UnfilteredResults)
		require.Len(t, outcome.ReenqueuedBuckets, 1)
		current = outcome.ReenqueuedBuckets[0]
		currentID = current.BucketID
		assert.NotEqual(t, got.BucketID, currentID)
		assert.Equal(t, b1.Payload.TestEntries, current.Payload.TestEntries)
	}

	// Third failure exhausts the budget and lands in the job results.
	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	outcome, err := env.bq.Accept(currentID, failureResult(current), "w1")
	require.NoError(t, err)
	assert.Empty(t, outcome.ReenqueuedBuckets)
	require.Len(t, outcome.TestingResult.UnfilteredResults, 1)
	assert.Equal(t, types.TestStatusFailed, outcome.TestingResult.UnfilteredResults[0].Status)

	state, err := env.bq.JobState("j1")
	require.NoError(t, err)
	assert.True(t, state.IsDepleted())
}

func TestWorkerAvoidance(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	b1 := makeBucket("b1", 1)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	_, err := env.bq.Accept("b1", failureResult(b1), "w1")
	require.NoError(t, err)

	// The re-enqueued bucket is reserved for workers that have not failed it.
	res = env.bq.DequeueBucket("w1", nil)
	assert.Equal(t, VerdictCheckAgainLater, res.Verdict)
	assert.Equal(t, testPollInterval, res.CheckAfter)

	res = env.bq.DequeueBucket("w2", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	assert.Equal(t, b1.Payload.TestEntries, res.Bucket.EnqueuedBucket.Bucket.Payload.TestEntries)
}

func TestAcceptErrors(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	_, err := env.bq.Accept("unknown", successResult(b1), "w1")
	assert.ErrorIs(t, err, ErrBucketNotDequeued)

	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)

	_, err = env.bq.Accept("b1", successResult(b1), "w2")
	assert.ErrorIs(t, err, ErrWrongWorker)

	_, err = env.bq.Accept("b1", types.BucketResult{}, "w1")
	assert.ErrorIs(t, err, ErrNoResult)

	// Double accept: the second one fails.
	_, err = env.bq.Accept("b1", successResult(b1), "w1")
	require.NoError(t, err)
	_, err = env.bq.Accept("b1", successResult(b1), "w1")
	assert.ErrorIs(t, err, ErrBucketNotDequeued)
}

func TestStuckBucketReclamation(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	require.NoError(t, env.alive.Block("w1"))

	stuck := env.bq.ReenqueueStuckBuckets()
	require.Len(t, stuck, 1)
	assert.Equal(t, types.JobID("j1"), stuck[0].JobID)
	assert.Equal(t, types.WorkerID("w1"), stuck[0].WorkerID)
	assert.Equal(t, "b1", stuck[0].OldBucketID)
	assert.NotEqual(t, "b1", stuck[0].Replacement.BucketID)
	assert.Equal(t, b1.Payload, stuck[0].Replacement.Payload)

	state, err := env.bq.JobState("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.QueueState.RunningState.EnqueuedBucketCount)
	assert.Equal(t, 0, state.QueueState.RunningState.DequeuedBucketCount)

	// The old incarnation is dead.
	_, err = env.bq.Accept("b1", successResult(b1), "w1")
	assert.ErrorIs(t, err, ErrBucketNotDequeued)

	// The replacement flows to a live worker.
	res = env.bq.DequeueBucket("w2", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	assert.Equal(t, stuck[0].Replacement.BucketID, res.Bucket.EnqueuedBucket.Bucket.BucketID)
}

func TestReaperStep(t *testing.T) {
	env := newTestEnv(t, "w1")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))
	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
	require.NoError(t, env.alive.Block("w1"))

	observer := &recordingObserver{}
	reaper := &Reaper{
		Reenqueuer: env.bq,
		Interval:   time.Second,
		Log:        zaptest.NewLogger(t),
		Observers:  []StuckBucketObserver{observer},
	}
	reaper.step(context.Background())
	require.Len(t, observer.seen, 1)
	assert.Equal(t, "b1", observer.seen[0].OldBucketID)
}

type recordingObserver struct {
	seen []StuckBucket
}

func (o *recordingObserver) BucketReenqueued(s StuckBucket) {
	o.seen = append(o.seen, s)
}

func TestPriorityOrdering(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	require.NoError(t, env.bq.Enqueue([]types.Bucket{
		makeBucket("m1", 0), makeBucket("m2", 0), makeBucket("m3", 0),
	}, jobInfo("j1", types.PriorityMedium)))
	require.NoError(t, env.bq.Enqueue([]types.Bucket{
		makeBucket("h1", 0), makeBucket("h2", 0),
	}, jobInfo("j2", types.PriorityHighest)))

	var order []types.JobID
	workers := []types.WorkerID{"w1", "w2", "w1", "w2", "w1"}
	for _, w := range workers {
		res := env.bq.DequeueBucket(w, nil)
		require.Equal(t, VerdictDequeuedBucket, res.Verdict)
		bucketID := res.Bucket.EnqueuedBucket.Bucket.BucketID
		outcome, err := env.bq.Accept(bucketID, successResult(res.Bucket.EnqueuedBucket.Bucket), w)
		require.NoError(t, err)
		order = append(order, outcome.JobID)
	}
	assert.Equal(t, []types.JobID{"j2", "j2", "j1", "j1", "j1"}, order)
}

func TestFairnessBetweenEqualGroups(t *testing.T) {
	env := newTestEnv(t, "w1")
	require.NoError(t, env.bq.Enqueue([]types.Bucket{
		makeBucket("a1", 0), makeBucket("a2", 0),
	}, jobInfo("ja", types.PriorityMedium)))
	require.NoError(t, env.bq.Enqueue([]types.Bucket{
		makeBucket("b1", 0), makeBucket("b2", 0),
	}, jobInfo("jb", types.PriorityMedium)))

	counts := map[types.JobID]int{}
	for i := 0; i < 4; i++ {
		res := env.bq.DequeueBucket("w1", nil)
		require.Equal(t, VerdictDequeuedBucket, res.Verdict)
		b := res.Bucket.EnqueuedBucket.Bucket
		outcome, err := env.bq.Accept(b.BucketID, successResult(b), "w1")
		require.NoError(t, err)
		counts[outcome.JobID]++
		// Any prefix window differs by at most one dispatch between the jobs.
		diff := counts["ja"] - counts["jb"]
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 1, "after %d dequeues", i+1)
	}
	assert.Equal(t, 2, counts["ja"])
	assert.Equal(t, 2, counts["jb"])
}

func TestCapabilityFiltering(t *testing.T) {
	env := newTestEnv(t, "w1")
	b := makeBucket("b1", 0)
	b.WorkerCapabilityRequirements = []types.CapabilityRequirement{
		{CapabilityName: "runtime", Operator: types.CapabilityGte, Value: "14.0"},
	}
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("w1", types.WorkerCapabilities{"runtime": "13.4"})
	assert.Equal(t, VerdictCheckAgainLater, res.Verdict)

	res = env.bq.DequeueBucket("w1", types.WorkerCapabilities{"runtime": "14.1"})
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, "w1")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1, makeBucket("b2", 0)}, jobInfo("j1", types.PriorityMedium)))
	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)

	require.NoError(t, env.bq.Delete("j1"))

	state, err := env.bq.JobState("j1")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStateDeleted, state.QueueState.Case)

	_, err = env.bq.JobResults("j1")
	assert.ErrorIs(t, err, ErrJobDeleted)

	// In-flight accept errors out.
	_, err = env.bq.Accept("b1", successResult(b1), "w1")
	assert.Error(t, err)

	// The job cannot be resurrected.
	err = env.bq.Enqueue([]types.Bucket{makeBucket("b3", 0)}, jobInfo("j1", types.PriorityMedium))
	assert.ErrorIs(t, err, ErrJobDeleted)

	assert.ErrorIs(t, env.bq.Delete("j1"), ErrJobDeleted)
	assert.ErrorIs(t, env.bq.Delete("j9"), ErrJobNotFound)
}

func TestQueueStateTransitions(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	b1 := makeBucket("b1", 0)
	require.NoError(t, env.bq.Enqueue([]types.Bucket{b1}, jobInfo("j1", types.PriorityMedium)))

	res := env.bq.DequeueBucket("w1", nil)
	require.Equal(t, VerdictDequeuedBucket, res.Verdict)

	// Bucket in flight: others must poll again, the queue is not empty yet.
	res = env.bq.DequeueBucket("w2", nil)
	assert.Equal(t, VerdictCheckAgainLater, res.Verdict)

	_, err := env.bq.Accept("b1", successResult(b1), "w1")
	require.NoError(t, err)

	res = env.bq.DequeueBucket("w2", nil)
	assert.Equal(t, VerdictQueueIsEmpty, res.Verdict)
}

func TestBucketConservation(t *testing.T) {
	env := newTestEnv(t, "w1", "w2")
	buckets := []types.Bucket{makeBucket("b1", 1), makeBucket("b2", 1,
		types.TestEntry{ClassName: "BarTests", MethodName: "testB"})}
	require.NoError(t, env.bq.Enqueue(buckets, jobInfo("j1", types.PriorityMedium)))

	accepted := 0
	for i := 0; i < 20; i++ {
		state, err := env.bq.JobState("j1")
		require.NoError(t, err)
		running := state.QueueState.RunningState
		results, err := env.bq.JobResults("j1")
		require.NoError(t, err)
		assert.Equal(t, accepted, len(results.TestingResults))
		if state.IsDepleted() {
			break
		}
		progressed := false
		for _, w := range []types.WorkerID{"w1", "w2"} {
			res := env.bq.DequeueBucket(w, nil)
			if res.Verdict != VerdictDequeuedBucket {
				continue
			}
			b := res.Bucket.EnqueuedBucket.Bucket
			// In the first round every FooTests bucket fails (b1 on w1, then its
			// replacement on w2, which exhausts the budget); everything else succeeds.
			var result types.BucketResult
			if i == 0 && b.Payload.TestEntries[0].ClassName == "FooTests" {
				result = failureResult(b)
			} else {
				result = successResult(b)
			}
			_, err := env.bq.Accept(b.BucketID, result, w)
			require.NoError(t, err)
			accepted++
			progressed = true
		}
		require.True(t, progressed || running.DequeuedBucketCount > 0)
	}
	state, err := env.bq.JobState("j1")
	require.NoError(t, err)
	assert.True(t, state.IsDepleted())
}
