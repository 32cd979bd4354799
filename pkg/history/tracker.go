// Package history keeps the per-(bucket payload, test entry) attempt ledger
// and derives the dequeue-avoidance and retry decisions from it.
package history

import (
	"sync"

	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/types"
)

// AcceptResult is the tracker's verdict over one reported bucket result.
type AcceptResult struct {
	// TestEntriesToReenqueue lists entries that get another attempt.
	TestEntriesToReenqueue []types.TestEntry
	// TestingResult is the reported result with retried entries masked out.
	TestingResult types.TestingResult
}

// Tracker is the policy layer over history storage.
//
// It decides which enqueued bucket a worker may take, and whether a reported
// failure is final or worth another attempt. All methods are non-blocking;
// the internal mutex only guards the lineage map.
type Tracker struct {
	Storage *Storage
	Log     *zap.Logger

	mu      sync.Mutex
	lineage map[string]Fingerprint // bucket ID -> ancestor payload fingerprint
}

// NewTracker creates a tracker over the given storage.
func NewTracker(storage *Storage, log *zap.Logger) *Tracker {
	return &Tracker{
		Storage: storage,
		Log:     log,
		lineage: make(map[string]Fingerprint),
	}
}

func (t *Tracker) fingerprintOf(b types.Bucket) Fingerprint {
	t.mu.Lock()
	fp, ok := t.lineage[b.BucketID]
	t.mu.Unlock()
	if ok {
		return fp
	}
	return PayloadFingerprint(b.Payload)
}

func (t *Tracker) historyID(b types.Bucket, entry types.TestEntry) ID {
	return ID{Fingerprint: t.fingerprintOf(b), Entry: entry}
}

// ineligibleWorkerIDs collects workers that already failed any test in the bucket.
func (t *Tracker) ineligibleWorkerIDs(b types.Bucket) map[types.WorkerID]struct{} {
	out := make(map[types.WorkerID]struct{})
	for _, entry := range b.Payload.TestEntries {
		for w := range t.Storage.WorkersWhoFailed(t.historyID(b, entry)) {
			out[w] = struct{}{}
		}
	}
	return out
}

// BucketToDequeue scans the queue in order and picks the first bucket the
// calling worker should run.
//
// A bucket containing tests the caller already failed is skipped as long as
// some other alive worker could still take it. When the quarantined workers
// are the only ones alive, the bucket is handed out anyway: failing it once
// more ends the attempt instead of deadlocking the queue.
//
// The returned bucket is not removed from the queue; the caller does that.
func (t *Tracker) BucketToDequeue(
	workerID types.WorkerID,
	queue []types.EnqueuedBucket,
	aliveWorkerIDs []types.WorkerID,
) *types.EnqueuedBucket {
	for i := range queue {
		enqueued := queue[i]
		ineligible := t.ineligibleWorkerIDs(enqueued.Bucket)
		if _, callerIneligible := ineligible[workerID]; !callerIneligible {
			return &enqueued
		}
		someoneElseCan := false
		for _, alive := range aliveWorkerIDs {
			if alive == workerID {
				continue
			}
			if _, bad := ineligible[alive]; !bad {
				someoneElseCan = true
				break
			}
		}
		if someoneElseCan {
			continue
		}
		t.Log.Debug("Handing quarantined bucket to its last candidate",
			zap.String("bucket_id", enqueued.Bucket.BucketID),
			zap.String("worker_id", string(workerID)))
		return &enqueued
	}
	return nil
}

// RegisterAttempt opens attempts for every entry of a dequeued bucket.
func (t *Tracker) RegisterAttempt(b types.Bucket, workerID types.WorkerID) {
	for _, entry := range b.Payload.TestEntries {
		t.Storage.RegisterAttempt(t.historyID(b, entry), workerID)
	}
}

// Accept records a reported result and splits it into finalized entries and
// entries to re-enqueue.
//
// Failed entries consume one unit of the payload's retry budget and count
// against the reporting worker. Lost entries consume budget but leave the
// worker's record untouched. An entry with budget remaining is re-enqueued
// and masked out of the finalized result, provided any worker is alive to
// ever pick it up; dequeue-side quarantine decides the actual placement.
func (t *Tracker) Accept(
	testingResult types.TestingResult,
	b types.Bucket,
	workerID types.WorkerID,
	aliveWorkerIDs []types.WorkerID,
) AcceptResult {
	retries := int(b.Payload.NumberOfRetries)
	masked := testingResult
	masked.UnfilteredResults = nil
	var reenqueue []types.TestEntry
	for _, entryResult := range testingResult.UnfilteredResults {
		id := t.historyID(b, entryResult.Entry)
		switch entryResult.Status {
		case types.TestStatusSucceeded:
			t.Storage.RegisterResult(id, workerID, types.TestStatusSucceeded)
			masked.UnfilteredResults = append(masked.UnfilteredResults, entryResult)
		case types.TestStatusFailed, types.TestStatusLost:
			if entryResult.Status == types.TestStatusFailed {
				t.Storage.RegisterResult(id, workerID, types.TestStatusFailed)
			} else {
				t.Storage.RegisterResult(id, workerID, types.TestStatusLost)
			}
			spent := t.Storage.RetryRelevantCount(id)
			if spent <= retries && len(aliveWorkerIDs) > 0 {
				reenqueue = append(reenqueue, entryResult.Entry)
				t.Log.Debug("Retrying test entry",
					zap.String("test", entryResult.Entry.String()),
					zap.Int("spent", spent),
					zap.Int("budget", retries))
			} else {
				masked.UnfilteredResults = append(masked.UnfilteredResults, entryResult)
			}
		default:
			// Unknown statuses are passed through untouched.
			masked.UnfilteredResults = append(masked.UnfilteredResults, entryResult)
		}
	}
	return AcceptResult{
		TestEntriesToReenqueue: reenqueue,
		TestingResult:          masked,
	}
}

// WillReenqueue carries the payload lineage from a retired bucket over to its
// replacements, so quarantine decisions follow the history of the original.
func (t *Tracker) WillReenqueue(old types.Bucket, newBucketIDs []string) {
	fp := t.fingerprintOf(old)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range newBucketIDs {
		t.lineage[id] = fp
	}
	delete(t.lineage, old.BucketID)
}
