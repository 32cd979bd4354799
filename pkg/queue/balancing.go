package queue

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/cachegc"
	"go.waggle.dev/waggle/pkg/history"
	"go.waggle.dev/waggle/pkg/types"
)

// BalancingQueue multiplexes bucket traffic across per-job queues.
//
// Dequeues walk the jobs in fair-share order: highest job-group priority
// first, round-robin between groups of that priority, then job priority and
// creation time within a group.
//
// The top-level mutex only guards the job map and the bucket index. It is
// always released before a per-job mutex is taken, so the lock graph has no
// cycle with JobQueue.
type BalancingQueue struct {
	tracker      *history.Tracker
	alive        *aliveness.Provider
	pollInterval time.Duration
	log          *zap.Logger

	mu          sync.Mutex
	jobs        map[types.JobID]*JobQueue
	bucketIndex map[string]types.JobID
	tombstones  *cachegc.Cache
	rrCounter   uint64
}

// NewBalancingQueue creates an empty balancing queue.
// Deleted job IDs are remembered in the tombstones cache, so a late enqueue
// for a deleted job fails instead of resurrecting it.
func NewBalancingQueue(
	tracker *history.Tracker,
	alive *aliveness.Provider,
	pollInterval time.Duration,
	tombstones *cachegc.Cache,
	log *zap.Logger,
) *BalancingQueue {
	return &BalancingQueue{
		tracker:      tracker,
		alive:        alive,
		pollInterval: pollInterval,
		log:          log,
		jobs:         make(map[types.JobID]*JobQueue),
		bucketIndex:  make(map[string]types.JobID),
		tombstones:   tombstones,
	}
}

// Enqueue adds buckets under a job, creating its queue on first use.
func (b *BalancingQueue) Enqueue(buckets []types.Bucket, job types.JobPrioritizationInfo) error {
	b.mu.Lock()
	if b.tombstones.Contains(job.JobID) {
		b.mu.Unlock()
		return ErrJobDeleted
	}
	jq, ok := b.jobs[job.JobID]
	if !ok {
		jq = NewJobQueue(job, b.tracker, b.alive, b.pollInterval, b.log.Named("job"))
		b.jobs[job.JobID] = jq
		b.log.Info("Created job queue",
			zap.String("job_id", string(job.JobID)),
			zap.String("job_group_id", string(job.JobGroupID)),
			zap.Uint8("job_priority", uint8(job.JobPriority)),
			zap.Uint8("job_group_priority", uint8(job.JobGroupPriority)))
	}
	for _, bucket := range buckets {
		b.bucketIndex[bucket.BucketID] = job.JobID
	}
	b.mu.Unlock()
	jq.Enqueue(buckets)
	return nil
}

// snapshot returns the job queues and round-robin cursor under the top lock.
func (b *BalancingQueue) snapshot() ([]*JobQueue, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*JobQueue, 0, len(b.jobs))
	for _, jq := range b.jobs {
		out = append(out, jq)
	}
	return out, b.rrCounter
}

// orderedJobs arranges job queues in dequeue order.
// Per-job states are read after the top lock is released.
func (b *BalancingQueue) orderedJobs() []*JobQueue {
	queues, rr := b.snapshot()
	candidates := make([]*JobQueue, 0, len(queues))
	for _, jq := range queues {
		if !jq.RunningQueueState().IsDepleted() {
			candidates = append(candidates, jq)
		}
	}
	// Group jobs by job group.
	groupsByID := make(map[types.JobGroupID][]*JobQueue)
	for _, jq := range candidates {
		groupsByID[jq.Job.JobGroupID] = append(groupsByID[jq.Job.JobGroupID], jq)
	}
	type group struct {
		id       types.JobGroupID
		priority types.Priority
		earliest time.Time
		jobs     []*JobQueue
	}
	groups := make([]group, 0, len(groupsByID))
	for id, jobs := range groupsByID {
		sort.Slice(jobs, func(i, j int) bool {
			if jobs[i].Job.JobPriority != jobs[j].Job.JobPriority {
				return jobs[i].Job.JobPriority > jobs[j].Job.JobPriority
			}
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})
		g := group{id: id, jobs: jobs, earliest: jobs[0].CreatedAt}
		for _, jq := range jobs {
			if jq.Job.JobGroupPriority > g.priority {
				g.priority = jq.Job.JobGroupPriority
			}
			if jq.CreatedAt.Before(g.earliest) {
				g.earliest = jq.CreatedAt
			}
		}
		groups = append(groups, g)
	}
	// Priority tiers, descending.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].priority != groups[j].priority {
			return groups[i].priority > groups[j].priority
		}
		if !groups[i].earliest.Equal(groups[j].earliest) {
			return groups[i].earliest.Before(groups[j].earliest)
		}
		return groups[i].id < groups[j].id
	})
	var ordered []*JobQueue
	for start := 0; start < len(groups); {
		end := start
		for end < len(groups) && groups[end].priority == groups[start].priority {
			end++
		}
		tier := groups[start:end]
		// Round-robin rotation inside the tier prevents starvation between groups.
		offset := int(rr % uint64(len(tier)))
		for i := 0; i < len(tier); i++ {
			ordered = append(ordered, tier[(offset+i)%len(tier)].jobs...)
		}
		start = end
	}
	return ordered
}

// DequeueBucket picks a bucket for the worker from the highest-priority
// eligible job.
func (b *BalancingQueue) DequeueBucket(workerID types.WorkerID, caps types.WorkerCapabilities) DequeueResult {
	switch b.alive.Aliveness(workerID) {
	case aliveness.StateAlive:
	case aliveness.StateBlocked:
		return workerIsBlockedResult()
	default:
		return workerIsNotAliveResult()
	}
	anyWaiting := false
	for _, jq := range b.orderedJobs() {
		res := jq.DequeueBucket(workerID, caps)
		switch res.Verdict {
		case VerdictDequeuedBucket:
			b.mu.Lock()
			b.rrCounter++
			b.mu.Unlock()
			return res
		case VerdictCheckAgainLater:
			anyWaiting = true
		case VerdictQueueIsEmpty:
		default:
			// Worker state changed mid-iteration.
			return res
		}
	}
	if anyWaiting {
		return checkAgainResult(b.pollInterval)
	}
	return queueIsEmptyResult()
}

// Accept routes a reported result to the owning job queue.
func (b *BalancingQueue) Accept(bucketID string, result types.BucketResult, workerID types.WorkerID) (AcceptOutcome, error) {
	b.mu.Lock()
	jobID, ok := b.bucketIndex[bucketID]
	if !ok {
		b.mu.Unlock()
		return AcceptOutcome{}, ErrBucketNotDequeued
	}
	jq, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return AcceptOutcome{}, ErrJobDeleted
	}
	outcome, err := jq.Accept(bucketID, result, workerID)
	if err != nil {
		return AcceptOutcome{}, err
	}
	b.mu.Lock()
	delete(b.bucketIndex, bucketID)
	for _, replacement := range outcome.ReenqueuedBuckets {
		b.bucketIndex[replacement.BucketID] = jobID
	}
	b.mu.Unlock()
	return outcome, nil
}

// ReenqueueStuckBuckets sweeps every job queue, one at a time.
func (b *BalancingQueue) ReenqueueStuckBuckets() []StuckBucket {
	queues, _ := b.snapshot()
	var all []StuckBucket
	for _, jq := range queues {
		all = append(all, jq.ReenqueueStuckBuckets()...)
	}
	if len(all) > 0 {
		b.mu.Lock()
		for _, s := range all {
			delete(b.bucketIndex, s.OldBucketID)
			b.bucketIndex[s.Replacement.BucketID] = s.JobID
		}
		b.mu.Unlock()
	}
	return all
}

// JobState snapshots one job.
func (b *BalancingQueue) JobState(jobID types.JobID) (types.JobState, error) {
	b.mu.Lock()
	jq, ok := b.jobs[jobID]
	tombstoned := b.tombstones.Contains(jobID)
	b.mu.Unlock()
	if !ok {
		if tombstoned {
			return types.JobState{
				JobID:      jobID,
				QueueState: types.JobQueueState{Case: types.QueueStateDeleted},
			}, nil
		}
		return types.JobState{}, ErrJobNotFound
	}
	state := jq.RunningQueueState()
	return types.JobState{
		JobID: jobID,
		QueueState: types.JobQueueState{
			Case:         types.QueueStateRunning,
			RunningState: &state,
		},
	}, nil
}

// JobResults returns the accepted results of one job.
func (b *BalancingQueue) JobResults(jobID types.JobID) (types.JobResults, error) {
	b.mu.Lock()
	jq, ok := b.jobs[jobID]
	tombstoned := b.tombstones.Contains(jobID)
	b.mu.Unlock()
	if !ok {
		if tombstoned {
			return types.JobResults{}, ErrJobDeleted
		}
		return types.JobResults{}, ErrJobNotFound
	}
	return types.JobResults{
		JobID:          jobID,
		TestingResults: jq.Results(),
	}, nil
}

// Delete removes a job and leaves a tombstone behind.
// Accepts in flight for its buckets fail afterwards.
func (b *BalancingQueue) Delete(jobID types.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobID]; !ok {
		if b.tombstones.Contains(jobID) {
			return ErrJobDeleted
		}
		return ErrJobNotFound
	}
	delete(b.jobs, jobID)
	b.tombstones.Add(jobID, struct{}{})
	for bucketID, owner := range b.bucketIndex {
		if owner == jobID {
			delete(b.bucketIndex, bucketID)
		}
	}
	b.log.Info("Deleted job", zap.String("job_id", string(jobID)))
	return nil
}

// Interface conformance.
var (
	_ BucketDequeuer         = (*BalancingQueue)(nil)
	_ BucketAccepter         = (*BalancingQueue)(nil)
	_ BucketEnqueuer         = (*BalancingQueue)(nil)
	_ JobStateProvider       = (*BalancingQueue)(nil)
	_ StuckBucketsReenqueuer = (*BalancingQueue)(nil)
)
