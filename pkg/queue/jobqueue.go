// Package queue implements the bucket queue core: per-job FIFO queues, the
// fair-share balancing multiplexer and the stuck bucket reaper.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/history"
	"go.waggle.dev/waggle/pkg/types"
)

// Errors returned by the queues.
var (
	ErrBucketNotDequeued = errors.New("bucket is not dequeued")
	ErrWrongWorker       = errors.New("bucket is dequeued by a different worker")
	ErrJobNotFound       = errors.New("no such job")
	ErrJobDeleted        = errors.New("job was deleted")
	ErrNoResult          = errors.New("bucket result carries no testing result")
)

// JobQueue holds the buckets of a single job.
//
// All operations serialize on the job's own mutex. The history tracker and
// aliveness provider are shared with other jobs and only lock internally.
type JobQueue struct {
	Job       types.JobPrioritizationInfo
	CreatedAt time.Time

	tracker      *history.Tracker
	alive        *aliveness.Provider
	pollInterval time.Duration
	log          *zap.Logger

	mu       sync.Mutex
	enqueued []types.EnqueuedBucket
	dequeued map[string]types.DequeuedBucket
	results  []types.TestingResult

	now func() time.Time
}

// NewJobQueue creates an empty queue for one job.
func NewJobQueue(
	job types.JobPrioritizationInfo,
	tracker *history.Tracker,
	alive *aliveness.Provider,
	pollInterval time.Duration,
	log *zap.Logger,
) *JobQueue {
	return &JobQueue{
		Job:          job,
		CreatedAt:    time.Now(),
		tracker:      tracker,
		alive:        alive,
		pollInterval: pollInterval,
		log:          log,
		dequeued:     make(map[string]types.DequeuedBucket),
		now:          time.Now,
	}
}

// Enqueue appends buckets to the tail of the FIFO.
func (q *JobQueue) Enqueue(buckets []types.Bucket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, b := range buckets {
		q.enqueued = append(q.enqueued, types.EnqueuedBucket{
			Bucket:           b,
			EnqueueTimestamp: now,
			UniqueID:         xid.New().String(),
		})
	}
}

// DequeueBucket picks a bucket for the calling worker.
func (q *JobQueue) DequeueBucket(workerID types.WorkerID, caps types.WorkerCapabilities) DequeueResult {
	switch q.alive.Aliveness(workerID) {
	case aliveness.StateAlive:
	case aliveness.StateBlocked:
		return workerIsBlockedResult()
	default:
		return workerIsNotAliveResult()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	capable := make([]types.EnqueuedBucket, 0, len(q.enqueued))
	for _, e := range q.enqueued {
		if capabilitiesSatisfy(e.Bucket.WorkerCapabilityRequirements, caps) {
			capable = append(capable, e)
		}
	}
	picked := q.tracker.BucketToDequeue(workerID, capable, q.alive.AliveWorkerIDs())
	if picked != nil {
		q.removeEnqueuedLocked(picked.UniqueID)
		dequeued := types.DequeuedBucket{
			EnqueuedBucket:   *picked,
			WorkerID:         workerID,
			DequeueTimestamp: q.now(),
		}
		q.dequeued[picked.Bucket.BucketID] = dequeued
		q.tracker.RegisterAttempt(picked.Bucket, workerID)
		q.log.Debug("Dequeued bucket",
			zap.String("bucket_id", picked.Bucket.BucketID),
			zap.String("job_id", string(q.Job.JobID)),
			zap.String("worker_id", string(workerID)))
		return dequeuedResult(dequeued)
	}
	if len(q.enqueued) == 0 && len(q.dequeued) == 0 {
		return queueIsEmptyResult()
	}
	return checkAgainResult(q.pollInterval)
}

func (q *JobQueue) removeEnqueuedLocked(uniqueID string) {
	for i, e := range q.enqueued {
		if e.UniqueID == uniqueID {
			q.enqueued = append(q.enqueued[:i], q.enqueued[i+1:]...)
			return
		}
	}
}

// Accept takes a worker's result for a bucket it holds.
//
// Entries with retry budget remaining are masked out of the stored result and
// come back as replacement buckets prepended to the FIFO.
func (q *JobQueue) Accept(bucketID string, result types.BucketResult, workerID types.WorkerID) (AcceptOutcome, error) {
	if result.TestingResult == nil {
		return AcceptOutcome{}, ErrNoResult
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	held, ok := q.dequeued[bucketID]
	if !ok {
		return AcceptOutcome{}, ErrBucketNotDequeued
	}
	if held.WorkerID != workerID {
		return AcceptOutcome{}, ErrWrongWorker
	}
	delete(q.dequeued, bucketID)
	bucket := held.EnqueuedBucket.Bucket
	verdict := q.tracker.Accept(*result.TestingResult, bucket, workerID, q.alive.AliveWorkerIDs())
	q.results = append(q.results, verdict.TestingResult)
	outcome := AcceptOutcome{
		JobID:         q.Job.JobID,
		TestingResult: verdict.TestingResult,
	}
	if len(verdict.TestEntriesToReenqueue) > 0 {
		replacement := types.Bucket{
			BucketID:                     uuid.New().String(),
			Payload:                      bucket.Payload.WithTestEntries(verdict.TestEntriesToReenqueue),
			AnalyticsConfiguration:       bucket.AnalyticsConfiguration,
			WorkerCapabilityRequirements: bucket.WorkerCapabilityRequirements,
		}
		q.tracker.WillReenqueue(bucket, []string{replacement.BucketID})
		q.prependLocked(replacement)
		outcome.ReenqueuedBuckets = []types.Bucket{replacement}
		q.log.Info("Re-enqueued failed tests",
			zap.String("job_id", string(q.Job.JobID)),
			zap.String("old_bucket_id", bucketID),
			zap.String("new_bucket_id", replacement.BucketID),
			zap.Int("num_tests", len(verdict.TestEntriesToReenqueue)))
	}
	return outcome, nil
}

func (q *JobQueue) prependLocked(b types.Bucket) {
	e := types.EnqueuedBucket{
		Bucket:           b,
		EnqueueTimestamp: q.now(),
		UniqueID:         xid.New().String(),
	}
	q.enqueued = append([]types.EnqueuedBucket{e}, q.enqueued...)
}

// ReenqueueStuckBuckets reclaims buckets held by workers that are not alive.
// Each reclaimed bucket is replaced by a fresh-ID copy at the head of the FIFO.
func (q *JobQueue) ReenqueueStuckBuckets() []StuckBucket {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []StuckBucket
	for bucketID, held := range q.dequeued {
		if q.alive.Aliveness(held.WorkerID) == aliveness.StateAlive {
			continue
		}
		delete(q.dequeued, bucketID)
		old := held.EnqueuedBucket.Bucket
		replacement := types.Bucket{
			BucketID:                     uuid.New().String(),
			Payload:                      old.Payload,
			AnalyticsConfiguration:       old.AnalyticsConfiguration,
			WorkerCapabilityRequirements: old.WorkerCapabilityRequirements,
		}
		q.tracker.WillReenqueue(old, []string{replacement.BucketID})
		q.prependLocked(replacement)
		out = append(out, StuckBucket{
			JobID:       q.Job.JobID,
			WorkerID:    held.WorkerID,
			OldBucketID: bucketID,
			Replacement: replacement,
		})
	}
	return out
}

// RunningQueueState counts the job's buckets per state.
func (q *JobQueue) RunningQueueState() types.RunningQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.RunningQueueState{
		EnqueuedBucketCount: len(q.enqueued),
		DequeuedBucketCount: len(q.dequeued),
	}
}

// Results returns a copy of the accepted results, in accept order.
func (q *JobQueue) Results() []types.TestingResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.TestingResult(nil), q.results...)
}
