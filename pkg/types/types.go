// Package types defines the shared data model of the bucket queue.
package types

import (
	"time"
)

// WorkerID identifies a single worker process.
// Worker IDs are assigned by the operator and validated against the allow-list.
type WorkerID string

// JobID identifies a client-submitted collection of buckets.
type JobID string

// JobGroupID groups related jobs for fair scheduling.
type JobGroupID string

// Priority is a small integer priority. Higher means sooner.
type Priority uint8

// Well-known priorities.
const (
	PriorityLowest  Priority = 0
	PriorityMedium  Priority = 128
	PriorityHighest Priority = 255
)

// TestEntry identifies a single runnable test.
type TestEntry struct {
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	CaseID     string `json:"caseId,omitempty"`
}

// String formats the entry the way it appears in logs and reports.
func (e TestEntry) String() string {
	s := e.ClassName + "/" + e.MethodName
	if e.CaseID != "" {
		s += "/" + e.CaseID
	}
	return s
}

// TestDestination describes where a bucket's tests should run.
type TestDestination struct {
	DeviceType     string `json:"deviceType"`
	RuntimeVersion string `json:"runtimeVersion"`
}

// AnalyticsConfiguration is passed through to workers untouched.
type AnalyticsConfiguration map[string]string

// CapabilityOperator compares a worker capability value against a requirement.
type CapabilityOperator string

// Capability requirement operators.
const (
	CapabilityEq      CapabilityOperator = "eq"
	CapabilityNe      CapabilityOperator = "ne"
	CapabilityGte     CapabilityOperator = "gte"
	CapabilityLte     CapabilityOperator = "lte"
	CapabilityPresent CapabilityOperator = "present"
)

// CapabilityRequirement is a predicate a worker must satisfy to run a bucket.
type CapabilityRequirement struct {
	CapabilityName string             `json:"capabilityName"`
	Operator       CapabilityOperator `json:"operator"`
	Value          string             `json:"value,omitempty"`
}

// WorkerCapabilities holds capability values reported by a worker.
type WorkerCapabilities map[string]string

// BucketPayload describes what a worker has to run.
// The queue treats it as opaque except for the test entries and retry budget.
type BucketPayload struct {
	TestEntries     []TestEntry     `json:"testEntries"`
	BuildArtifacts  []string        `json:"buildArtifacts,omitempty"`
	TestDestination TestDestination `json:"testDestination"`
	TestTimeout     time.Duration   `json:"testTimeout"`
	PluginLocations []string        `json:"pluginLocations,omitempty"`
	NumberOfRetries uint            `json:"numberOfRetries"`
}

// WithTestEntries returns a copy of the payload carrying only the given entries.
func (p BucketPayload) WithTestEntries(entries []TestEntry) BucketPayload {
	out := p
	out.TestEntries = entries
	return out
}

// Bucket is the unit of dispatch: a set of tests plus everything needed to run them.
// Buckets are immutable after creation; re-enqueueing mints a new bucket ID.
type Bucket struct {
	BucketID                     string                  `json:"bucketId"`
	Payload                      BucketPayload           `json:"payload"`
	AnalyticsConfiguration       AnalyticsConfiguration  `json:"analyticsConfiguration,omitempty"`
	WorkerCapabilityRequirements []CapabilityRequirement `json:"workerCapabilityRequirements,omitempty"`
}

// EnqueuedBucket is a bucket waiting in a job's FIFO.
type EnqueuedBucket struct {
	Bucket           Bucket    `json:"bucket"`
	EnqueueTimestamp time.Time `json:"enqueueTimestamp"`
	UniqueID         string    `json:"uniqueIdentifier"`
}

// DequeuedBucket is a bucket held in-flight by a worker.
type DequeuedBucket struct {
	EnqueuedBucket   EnqueuedBucket `json:"enqueuedBucket"`
	WorkerID         WorkerID       `json:"workerId"`
	DequeueTimestamp time.Time      `json:"dequeueTimestamp"`
}

// TestStatus is the outcome of one test entry.
type TestStatus string

// Test entry outcomes. Lost means the worker crashed before reporting.
const (
	TestStatusSucceeded TestStatus = "succeeded"
	TestStatusFailed    TestStatus = "failed"
	TestStatusLost      TestStatus = "lost"
)

// TestRunResult describes a single attempt of a test entry on a worker.
type TestRunResult struct {
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Hostname  string        `json:"hostname"`
	LogOutput string        `json:"logOutput,omitempty"`
}

// TestEntryResult is the per-entry outcome reported by a worker.
type TestEntryResult struct {
	Entry      TestEntry       `json:"testEntry"`
	Status     TestStatus      `json:"status"`
	RunResults []TestRunResult `json:"testRunResults,omitempty"`
}

// TestingResult is the per-bucket result reported by a worker.
type TestingResult struct {
	TestDestination   TestDestination   `json:"testDestination"`
	UnfilteredResults []TestEntryResult `json:"unfilteredResults"`
	ResultBundles     [][]byte          `json:"resultBundles,omitempty"`
}

// ArtifactBytes sums the size of attached result bundles.
func (r *TestingResult) ArtifactBytes() int {
	var n int
	for _, b := range r.ResultBundles {
		n += len(b)
	}
	return n
}

// BucketResult wraps a worker-reported result.
// A sum type on the wire, with testingResult as the only variant for now.
type BucketResult struct {
	TestingResult *TestingResult `json:"testingResult"`
}

// RunningQueueState counts the buckets a job still owns.
type RunningQueueState struct {
	EnqueuedBucketCount int `json:"enqueuedBucketCount"`
	DequeuedBucketCount int `json:"dequeuedBucketCount"`
}

// IsDepleted reports whether the job has no buckets left in any state.
func (s RunningQueueState) IsDepleted() bool {
	return s.EnqueuedBucketCount == 0 && s.DequeuedBucketCount == 0
}

// QueueStateCase discriminates JobQueueState variants.
type QueueStateCase string

// Job queue state cases.
const (
	QueueStateRunning QueueStateCase = "running"
	QueueStateDeleted QueueStateCase = "deleted"
)

// JobQueueState is either a running state snapshot or a deletion marker.
type JobQueueState struct {
	Case         QueueStateCase     `json:"case"`
	RunningState *RunningQueueState `json:"runningState,omitempty"`
}

// JobState is the client-visible state of one job.
type JobState struct {
	JobID      JobID         `json:"jobId"`
	QueueState JobQueueState `json:"queueState"`
}

// IsDepleted reports whether the job finished all of its buckets.
func (s JobState) IsDepleted() bool {
	return s.QueueState.Case == QueueStateRunning &&
		s.QueueState.RunningState != nil &&
		s.QueueState.RunningState.IsDepleted()
}

// JobResults holds the accepted results of one job, in accept order.
type JobResults struct {
	JobID          JobID           `json:"jobId"`
	TestingResults []TestingResult `json:"testingResults"`
}

// JobPrioritizationInfo places a job inside the balancing queue ordering.
type JobPrioritizationInfo struct {
	JobID            JobID      `json:"jobId"`
	JobGroupID       JobGroupID `json:"jobGroupId"`
	JobPriority      Priority   `json:"jobPriority"`
	JobGroupPriority Priority   `json:"jobGroupPriority"`
}

// WorkerConfiguration is handed to a worker at registration.
type WorkerConfiguration struct {
	TestTimeout         time.Duration     `json:"testTimeout"`
	MaximumPollInterval time.Duration     `json:"maximumPollInterval"`
	DefaultDestination  TestDestination   `json:"defaultDestination"`
	EnvironmentValues   map[string]string `json:"environmentValues,omitempty"`
}
