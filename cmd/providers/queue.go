package providers

import (
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/cachegc"
	"go.waggle.dev/waggle/pkg/enqueue"
	"go.waggle.dev/waggle/pkg/history"
	"go.waggle.dev/waggle/pkg/queue"
	"go.waggle.dev/waggle/pkg/termination"
)

// JobTombstones remembers recently deleted job IDs.
type JobTombstones struct {
	*cachegc.Cache
}

// AcceptedBuckets remembers recently accepted bucket IDs,
// so retried result deliveries are recognized as duplicates.
type AcceptedBuckets struct {
	*cachegc.Cache
}

// NewAlivenessProvider builds the worker liveness tracker.
func NewAlivenessProvider(cfg *QueueConfig, log *zap.Logger) *aliveness.Provider {
	return aliveness.NewProvider(aliveness.Config{
		ReportAliveInterval:           cfg.ReportAliveInterval,
		AdditionalTimeToPerformReport: cfg.ReportAliveGrace,
	}, cfg.WorkerIDs, log.Named("aliveness"))
}

// NewHistoryStorage builds the attempt ledger.
func NewHistoryStorage() *history.Storage {
	return history.NewStorage()
}

// NewHistoryTracker builds the retry/avoidance policy.
func NewHistoryTracker(storage *history.Storage, log *zap.Logger) *history.Tracker {
	return history.NewTracker(storage, log.Named("history"))
}

// NewJobTombstones builds the deleted-job cache.
func NewJobTombstones(cfg *QueueConfig) (JobTombstones, error) {
	c, err := cachegc.New(cfg.TombstoneSize, cfg.TombstoneTTL)
	if err != nil {
		return JobTombstones{}, err
	}
	return JobTombstones{Cache: c}, nil
}

// NewAcceptedBuckets builds the duplicate-result window.
func NewAcceptedBuckets(cfg *QueueConfig) (AcceptedBuckets, error) {
	c, err := cachegc.New(cfg.AcceptedWindowSize, cfg.AcceptedWindowTTL)
	if err != nil {
		return AcceptedBuckets{}, err
	}
	return AcceptedBuckets{Cache: c}, nil
}

// NewBalancingQueue builds the multi-job bucket queue.
func NewBalancingQueue(
	cfg *QueueConfig,
	tracker *history.Tracker,
	alive *aliveness.Provider,
	tombstones JobTombstones,
	log *zap.Logger,
) *queue.BalancingQueue {
	return queue.NewBalancingQueue(
		tracker, alive, cfg.CheckAgainInterval, tombstones.Cache, log.Named("queue"))
}

// NewTestsEnqueuer builds the bucket enqueuer over the balancing queue.
func NewTestsEnqueuer(cfg *QueueConfig, bq *queue.BalancingQueue, log *zap.Logger) *enqueue.TestsEnqueuer {
	return &enqueue.TestsEnqueuer{
		Queue:            bq,
		Log:              log.Named("enqueue"),
		DefaultAnalytics: cfg.AnalyticsConfiguration,
	}
}

// NewTerminationController builds the auto-termination controller.
func NewTerminationController(cfg *QueueConfig, log *zap.Logger) *termination.Controller {
	return termination.NewController(
		cfg.TerminationPolicy, cfg.TerminationIdlePeriod, log.Named("termination"))
}
