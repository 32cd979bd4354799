package workerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/api"
	"go.waggle.dev/waggle/pkg/types"
)

// BucketRunner executes the tests of one bucket.
// Implementations live outside the core; the queue never runs tests itself.
type BucketRunner interface {
	RunBucket(ctx context.Context, bucket types.Bucket) (types.TestingResult, error)
}

// ErrWorkerBlocked stops the scheduler when the queue blocked this worker.
var ErrWorkerBlocked = errors.New("worker was blocked by the queue server")

// Scheduler polls the queue for buckets and drives a runner.
//
// The server never blocks a fetch; it answers checkAgainLater with a poll
// interval instead, and the scheduler sleeps it off client-side. An empty
// queue backs off exponentially up to the maximum poll interval from the
// worker configuration.
type Scheduler struct {
	Client *Client
	Runner BucketRunner
	Log    *zap.Logger

	mu             sync.Mutex
	currentBuckets []string
}

func (s *Scheduler) setCurrentBuckets(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentBuckets = append([]string(nil), ids...)
}

// CurrentBuckets lists the buckets being processed right now.
func (s *Scheduler) CurrentBuckets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.currentBuckets...)
}

// Run registers, starts heartbeats and polls for work until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg, err := s.Client.Register(ctx)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatErrC := make(chan error, 1)
	go func() {
		defer close(heartbeatErrC)
		heartbeatErrC <- s.heartbeatLoop(ctx, cfg)
	}()
	pollErr := s.pollLoop(ctx, cfg)
	cancel()
	<-heartbeatErrC
	return pollErr
}

func (s *Scheduler) heartbeatLoop(ctx context.Context, cfg types.WorkerConfiguration) error {
	interval := cfg.MaximumPollInterval / 3
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Client.ReportAlive(ctx, s.CurrentBuckets()); err != nil {
				s.Log.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, cfg types.WorkerConfiguration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = cfg.MaximumPollInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 30 * time.Second
	}
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := s.Client.FetchBucket(ctx)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) && serverErr.Kind == api.KindSignatureMismatch {
				return fmt.Errorf("queue server was restarted: %w", err)
			}
			s.Log.Warn("Fetch failed", zap.Error(err))
			if err := s.sleep(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		switch resp.Case {
		case api.FetchCaseBucket:
			bo.Reset()
			s.processBucket(ctx, *resp.Bucket)
		case api.FetchCaseCheckAgainLater:
			if err := s.sleep(ctx, resp.CheckAfter); err != nil {
				return err
			}
		case api.FetchCaseQueueIsEmpty:
			if err := s.sleep(ctx, bo.NextBackOff()); err != nil {
				return err
			}
		case api.FetchCaseWorkerIsNotAlive:
			s.Log.Info("Queue considers this worker dead, re-registering")
			if _, err := s.Client.Register(ctx); err != nil {
				s.Log.Warn("Re-registration failed", zap.Error(err))
				if err := s.sleep(ctx, bo.NextBackOff()); err != nil {
					return err
				}
			}
		case api.FetchCaseWorkerIsBlocked:
			return ErrWorkerBlocked
		default:
			return fmt.Errorf("unknown fetch verdict: %q", resp.Case)
		}
	}
}

func (s *Scheduler) processBucket(ctx context.Context, bucket types.Bucket) {
	s.setCurrentBuckets([]string{bucket.BucketID})
	defer s.setCurrentBuckets(nil)
	log := s.Log.With(zap.String("bucket_id", bucket.BucketID))
	log.Info("Running bucket", zap.Int("num_tests", len(bucket.Payload.TestEntries)))
	result, err := s.Runner.RunBucket(ctx, bucket)
	if err != nil {
		// The runner crashed; report every entry as lost so the queue
		// can decide whether to retry elsewhere.
		log.Error("Bucket runner failed", zap.Error(err))
		result = types.TestingResult{TestDestination: bucket.Payload.TestDestination}
		for _, entry := range bucket.Payload.TestEntries {
			result.UnfilteredResults = append(result.UnfilteredResults, types.TestEntryResult{
				Entry:  entry,
				Status: types.TestStatusLost,
			})
		}
	}
	if err := s.Client.SendResult(ctx, bucket.BucketID, result); err != nil {
		log.Error("Failed to report bucket result", zap.Error(err))
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
