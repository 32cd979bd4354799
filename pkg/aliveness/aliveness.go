// Package aliveness tracks worker liveness from heartbeats.
//
// Workers register once, then report alive periodically. A worker that misses
// its report interval plus grace period is considered silent, which makes its
// in-flight buckets eligible for the stuck bucket reaper.
package aliveness

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/types"
)

// State is the derived liveness state of a worker.
type State string

// Worker liveness states.
const (
	StateNotRegistered State = "notRegistered"
	StateRegistered    State = "registered"
	StateAlive         State = "alive"
	StateSilent        State = "silent"
	StateBlocked       State = "blocked"
	StateDisabled      State = "disabled"
)

// Errors returned by the provider.
var (
	ErrWorkerNotAllowed    = errors.New("worker not in allow-list")
	ErrWorkerNotRegistered = errors.New("worker not registered")
	ErrWorkerBlocked       = errors.New("worker is blocked")
)

// Config holds the heartbeat timing parameters.
type Config struct {
	ReportAliveInterval           time.Duration // expected heartbeat period
	AdditionalTimeToPerformReport time.Duration // grace on top of the period
}

// silenceThreshold is the stale-heartbeat cutoff.
func (c Config) silenceThreshold() time.Duration {
	return c.ReportAliveInterval + c.AdditionalTimeToPerformReport
}

type workerEntry struct {
	lastHeartbeatAt         time.Time
	bucketIDsBeingProcessed []string
	blocked                 bool
	disabled                bool
}

// WorkerStatus is a point-in-time snapshot of one worker.
type WorkerStatus struct {
	WorkerID                types.WorkerID
	State                   State
	LastHeartbeatAt         time.Time
	BucketIDsBeingProcessed []string
}

// Provider answers whether a worker is eligible to be given work.
//
// All state sits behind a single mutex; reads return snapshots.
type Provider struct {
	mu      sync.Mutex
	cfg     Config
	allowed map[types.WorkerID]struct{}
	workers map[types.WorkerID]*workerEntry
	log     *zap.Logger

	now func() time.Time
}

// NewProvider creates a provider restricted to the given worker allow-list.
func NewProvider(cfg Config, allowedWorkerIDs []types.WorkerID, log *zap.Logger) *Provider {
	allowed := make(map[types.WorkerID]struct{}, len(allowedWorkerIDs))
	for _, id := range allowedWorkerIDs {
		allowed[id] = struct{}{}
	}
	return &Provider{
		cfg:     cfg,
		allowed: allowed,
		workers: make(map[types.WorkerID]*workerEntry),
		log:     log,
		now:     time.Now,
	}
}

// DidRegisterWorker transitions a worker from registered to alive.
func (p *Provider) DidRegisterWorker(workerID types.WorkerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allowed[workerID]; !ok {
		return ErrWorkerNotAllowed
	}
	entry, ok := p.workers[workerID]
	if !ok {
		entry = &workerEntry{}
		p.workers[workerID] = entry
	}
	if entry.blocked {
		return ErrWorkerBlocked
	}
	entry.lastHeartbeatAt = p.now()
	entry.bucketIDsBeingProcessed = nil
	p.log.Info("Registered worker", zap.String("worker_id", string(workerID)))
	return nil
}

// SetBucketIDsBeingProcessed records a heartbeat.
// Blocked and disabled flags survive heartbeats.
func (p *Provider) SetBucketIDsBeingProcessed(workerID types.WorkerID, bucketIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotRegistered
	}
	entry.lastHeartbeatAt = p.now()
	entry.bucketIDsBeingProcessed = append([]string(nil), bucketIDs...)
	return nil
}

// Block permanently excludes a worker from dequeueing.
// Buckets it holds become stuck.
func (p *Provider) Block(workerID types.WorkerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotRegistered
	}
	entry.blocked = true
	p.log.Warn("Blocked worker", zap.String("worker_id", string(workerID)))
	return nil
}

// Disable temporarily excludes a worker from dequeueing.
func (p *Provider) Disable(workerID types.WorkerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotRegistered
	}
	entry.disabled = true
	return nil
}

// Enable lifts a previous Disable.
func (p *Provider) Enable(workerID types.WorkerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotRegistered
	}
	entry.disabled = false
	return nil
}

func (p *Provider) alivenessLocked(workerID types.WorkerID) State {
	entry, ok := p.workers[workerID]
	if !ok {
		if _, allowed := p.allowed[workerID]; allowed {
			return StateRegistered
		}
		return StateNotRegistered
	}
	switch {
	case entry.blocked:
		return StateBlocked
	case entry.disabled:
		return StateDisabled
	case p.now().Sub(entry.lastHeartbeatAt) > p.cfg.silenceThreshold():
		return StateSilent
	default:
		return StateAlive
	}
}

// Aliveness derives the current state of a worker.
func (p *Provider) Aliveness(workerID types.WorkerID) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alivenessLocked(workerID)
}

// IsAlive reports whether a worker may be given work right now.
func (p *Provider) IsAlive(workerID types.WorkerID) bool {
	return p.Aliveness(workerID) == StateAlive
}

// AliveWorkerIDs returns the sorted set of currently alive workers.
func (p *Provider) AliveWorkerIDs() []types.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]types.WorkerID, 0, len(p.workers))
	for id := range p.workers {
		if p.alivenessLocked(id) == StateAlive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasAnyAliveWorker reports whether at least one worker is alive.
func (p *Provider) HasAnyAliveWorker() bool {
	return len(p.AliveWorkerIDs()) > 0
}

// Status snapshots one worker for operator inspection.
func (p *Provider) Status(workerID types.WorkerID) WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := WorkerStatus{
		WorkerID: workerID,
		State:    p.alivenessLocked(workerID),
	}
	if entry, ok := p.workers[workerID]; ok {
		status.LastHeartbeatAt = entry.lastHeartbeatAt
		status.BucketIDsBeingProcessed = append([]string(nil), entry.bucketIDsBeingProcessed...)
	}
	return status
}
