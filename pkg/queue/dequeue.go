package queue

import (
	"time"

	"go.waggle.dev/waggle/pkg/types"
)

// DequeueVerdict discriminates DequeueResult variants.
type DequeueVerdict string

// Dequeue verdicts.
const (
	VerdictDequeuedBucket   DequeueVerdict = "dequeuedBucket"
	VerdictQueueIsEmpty     DequeueVerdict = "queueIsEmpty"
	VerdictCheckAgainLater  DequeueVerdict = "checkAgainLater"
	VerdictWorkerIsNotAlive DequeueVerdict = "workerIsNotAlive"
	VerdictWorkerIsBlocked  DequeueVerdict = "workerIsBlocked"
)

// DequeueResult is the outcome of one dequeue request.
type DequeueResult struct {
	Verdict DequeueVerdict
	// Bucket is set iff Verdict is dequeuedBucket.
	Bucket *types.DequeuedBucket
	// CheckAfter is set iff Verdict is checkAgainLater.
	CheckAfter time.Duration
}

func dequeuedResult(b types.DequeuedBucket) DequeueResult {
	return DequeueResult{Verdict: VerdictDequeuedBucket, Bucket: &b}
}

func queueIsEmptyResult() DequeueResult {
	return DequeueResult{Verdict: VerdictQueueIsEmpty}
}

func checkAgainResult(after time.Duration) DequeueResult {
	return DequeueResult{Verdict: VerdictCheckAgainLater, CheckAfter: after}
}

func workerIsNotAliveResult() DequeueResult {
	return DequeueResult{Verdict: VerdictWorkerIsNotAlive}
}

func workerIsBlockedResult() DequeueResult {
	return DequeueResult{Verdict: VerdictWorkerIsBlocked}
}
