package enqueue

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/queue"
	"go.waggle.dev/waggle/pkg/types"
)

// ErrNoTestEntries rejects submissions without any tests.
var ErrNoTestEntries = errors.New("no test entries to enqueue")

// TestConfiguration is attached to every bucket minted from a submission.
type TestConfiguration struct {
	// PayloadTemplate carries everything except the test entries,
	// which the splitter fills in per bucket.
	PayloadTemplate              types.BucketPayload
	AnalyticsConfiguration       types.AnalyticsConfiguration
	WorkerCapabilityRequirements []types.CapabilityRequirement
}

// TestsEnqueuer splits configured test entries into buckets and hands them to
// the balancing queue.
type TestsEnqueuer struct {
	Queue queue.BucketEnqueuer
	Log   *zap.Logger

	// DefaultAnalytics is attached to buckets whose submission
	// carries no analytics configuration of its own.
	DefaultAnalytics types.AnalyticsConfiguration
}

// Enqueue partitions entries per the splitter and enqueues the resulting
// buckets under the given job. Returns the minted buckets.
func (e *TestsEnqueuer) Enqueue(
	entries []types.TestEntry,
	cfg TestConfiguration,
	job types.JobPrioritizationInfo,
	splitter TestSplitter,
) ([]types.Bucket, error) {
	if len(entries) == 0 {
		return nil, ErrNoTestEntries
	}
	analytics := cfg.AnalyticsConfiguration
	if len(analytics) == 0 {
		analytics = e.DefaultAnalytics
	}
	groups := splitter.Split(entries)
	buckets := make([]types.Bucket, 0, len(groups))
	for _, group := range groups {
		buckets = append(buckets, types.Bucket{
			BucketID:                     uuid.New().String(),
			Payload:                      cfg.PayloadTemplate.WithTestEntries(group),
			AnalyticsConfiguration:       analytics,
			WorkerCapabilityRequirements: cfg.WorkerCapabilityRequirements,
		})
	}
	if err := e.Queue.Enqueue(buckets, job); err != nil {
		return nil, err
	}
	e.Log.Info("Enqueued test buckets",
		zap.String("job_id", string(job.JobID)),
		zap.Int("num_tests", len(entries)),
		zap.Int("num_buckets", len(buckets)))
	return buckets, nil
}
