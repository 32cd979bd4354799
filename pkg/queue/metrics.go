package queue

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"go.waggle.dev/waggle/pkg/types"
)

// ReaperMetrics counts stuck bucket reclamations.
type ReaperMetrics struct {
	reenqueues metric.Int64Counter
}

// NewReaperMetrics builds the reaper instruments.
func NewReaperMetrics(m metric.Meter) (*ReaperMetrics, error) {
	metrics := new(ReaperMetrics)
	var err error
	metrics.reenqueues, err = m.NewInt64Counter("queue_stuck_bucket_reenqueues")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// DispatchMetrics counts bucket traffic through the queue.
type DispatchMetrics struct {
	dequeues metric.Int64Counter
	accepts  metric.Int64Counter
	retries  metric.Int64Counter
}

// NewDispatchMetrics builds the dispatch instruments.
func NewDispatchMetrics(m metric.Meter) (*DispatchMetrics, error) {
	metrics := new(DispatchMetrics)
	var err error
	metrics.dequeues, err = m.NewInt64Counter("queue_bucket_dequeues")
	if err != nil {
		return nil, err
	}
	metrics.accepts, err = m.NewInt64Counter("queue_bucket_accepts")
	if err != nil {
		return nil, err
	}
	metrics.retries, err = m.NewInt64Counter("queue_bucket_retries")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// MeteredDequeuer decorates a BucketDequeuer with dispatch metrics.
type MeteredDequeuer struct {
	Next    BucketDequeuer
	Metrics *DispatchMetrics
}

// DequeueBucket counts successful dequeues.
func (d *MeteredDequeuer) DequeueBucket(workerID types.WorkerID, caps types.WorkerCapabilities) DequeueResult {
	res := d.Next.DequeueBucket(workerID, caps)
	if res.Verdict == VerdictDequeuedBucket {
		d.Metrics.dequeues.Add(context.Background(), 1)
	}
	return res
}

// MeteredAccepter decorates a BucketAccepter with dispatch metrics.
type MeteredAccepter struct {
	Next    BucketAccepter
	Metrics *DispatchMetrics
}

// Accept counts accepted results and minted retries.
func (a *MeteredAccepter) Accept(bucketID string, result types.BucketResult, workerID types.WorkerID) (AcceptOutcome, error) {
	outcome, err := a.Next.Accept(bucketID, result, workerID)
	if err != nil {
		return outcome, err
	}
	ctx := context.Background()
	a.Metrics.accepts.Add(ctx, 1)
	if n := len(outcome.ReenqueuedBuckets); n > 0 {
		a.Metrics.retries.Add(ctx, int64(n))
	}
	return outcome, nil
}

// Interface conformance.
var (
	_ BucketDequeuer = (*MeteredDequeuer)(nil)
	_ BucketAccepter = (*MeteredAccepter)(nil)
)
