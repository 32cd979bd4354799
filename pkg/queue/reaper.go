package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StuckBucketObserver is notified for every reclaimed bucket.
// Metric emitters and loggers register here at construction.
type StuckBucketObserver interface {
	BucketReenqueued(stuck StuckBucket)
}

// Reaper periodically moves buckets held by dead workers back to enqueued.
//
// A bucket is stuck as soon as its holding worker stops being alive; there is
// no per-bucket timeout. Heartbeat liveness is the only signal.
type Reaper struct {
	Reenqueuer StuckBucketsReenqueuer
	Interval   time.Duration
	Log        *zap.Logger
	Metrics    *ReaperMetrics
	Observers  []StuckBucketObserver
}

// Run sweeps on a fixed interval until the context ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.step(ctx)
		}
	}
}

func (r *Reaper) step(ctx context.Context) {
	stuck := r.Reenqueuer.ReenqueueStuckBuckets()
	if len(stuck) == 0 {
		return
	}
	for _, s := range stuck {
		r.Log.Warn("Re-enqueued stuck bucket",
			zap.String("job_id", string(s.JobID)),
			zap.String("worker_id", string(s.WorkerID)),
			zap.String("old_bucket_id", s.OldBucketID),
			zap.String("new_bucket_id", s.Replacement.BucketID))
		for _, o := range r.Observers {
			o.BucketReenqueued(s)
		}
	}
	if r.Metrics != nil {
		r.Metrics.reenqueues.Add(ctx, int64(len(stuck)))
	}
}
