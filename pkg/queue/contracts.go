package queue

import (
	"go.waggle.dev/waggle/pkg/types"
)

// BucketDequeuer hands buckets to workers.
type BucketDequeuer interface {
	DequeueBucket(workerID types.WorkerID, caps types.WorkerCapabilities) DequeueResult
}

// BucketAccepter takes reported bucket results.
type BucketAccepter interface {
	Accept(bucketID string, result types.BucketResult, workerID types.WorkerID) (AcceptOutcome, error)
}

// BucketEnqueuer adds buckets under a prioritized job.
type BucketEnqueuer interface {
	Enqueue(buckets []types.Bucket, job types.JobPrioritizationInfo) error
}

// JobStateProvider exposes per-job state and results.
type JobStateProvider interface {
	JobState(jobID types.JobID) (types.JobState, error)
	JobResults(jobID types.JobID) (types.JobResults, error)
}

// JobDeleter removes jobs from the queue.
type JobDeleter interface {
	Delete(jobID types.JobID) error
}

// StuckBucketsReenqueuer reclaims buckets held by dead workers.
// The reaper depends on this capability, not on the whole queue.
type StuckBucketsReenqueuer interface {
	ReenqueueStuckBuckets() []StuckBucket
}

// StuckBucket is one reclaimed bucket with its replacement.
type StuckBucket struct {
	JobID       types.JobID
	WorkerID    types.WorkerID
	OldBucketID string
	Replacement types.Bucket
}

// AcceptOutcome describes what happened to an accepted result.
type AcceptOutcome struct {
	JobID types.JobID
	// TestingResult is the finalized result, with retried entries masked out.
	TestingResult types.TestingResult
	// ReenqueuedBuckets are the replacement buckets minted for retried entries.
	ReenqueuedBuckets []types.Bucket
}
