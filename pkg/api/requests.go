package api

import (
	"time"

	"go.waggle.dev/waggle/pkg/enqueue"
	"go.waggle.dev/waggle/pkg/types"
)

// Endpoint paths served by the queue server.
const (
	PathRegisterWorker     = "/registerWorker"
	PathGetBucket          = "/getBucket"
	PathBucketResult       = "/bucketResult"
	PathReportAlive        = "/reportAlive"
	PathScheduleTests      = "/scheduleTests"
	PathJobState           = "/jobState"
	PathJobResults         = "/jobResults"
	PathDeleteJob          = "/deleteJob"
	PathQueueServerVersion = "/queueServerVersion"
)

// Envelope is the shared frame of every response body.
// Payload fields are inlined next to Status on success.
type Envelope struct {
	Status  string    `json:"status"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Envelope status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RegisterWorkerRequest registers a worker with the queue.
type RegisterWorkerRequest struct {
	WorkerID           types.WorkerID           `json:"workerId"`
	WorkerCapabilities types.WorkerCapabilities `json:"workerCapabilities,omitempty"`
}

// RegisterWorkerResponse hands the worker its session material.
type RegisterWorkerResponse struct {
	PayloadSignature    string                    `json:"payloadSignature"`
	WorkerConfiguration types.WorkerConfiguration `json:"workerConfiguration"`
}

// FetchBucketRequest asks for a bucket to run.
type FetchBucketRequest struct {
	WorkerID           types.WorkerID           `json:"workerId"`
	PayloadSignature   string                   `json:"payloadSignature"`
	WorkerCapabilities types.WorkerCapabilities `json:"workerCapabilities,omitempty"`
}

// FetchBucketResponse cases.
const (
	FetchCaseBucket           = "bucket"
	FetchCaseQueueIsEmpty     = "queueIsEmpty"
	FetchCaseCheckAgainLater  = "checkAgainLater"
	FetchCaseWorkerIsBlocked  = "workerIsBlocked"
	FetchCaseWorkerIsNotAlive = "workerIsNotAlive"
)

// FetchBucketResponse is the tagged dequeue verdict.
type FetchBucketResponse struct {
	Case       string        `json:"case"`
	Bucket     *types.Bucket `json:"bucket,omitempty"`
	CheckAfter time.Duration `json:"checkAfter,omitempty"`
}

// SendBucketResultRequest reports the result of a dequeued bucket.
type SendBucketResultRequest struct {
	WorkerID         types.WorkerID     `json:"workerId"`
	PayloadSignature string             `json:"payloadSignature"`
	BucketID         string             `json:"bucketId"`
	BucketResult     types.BucketResult `json:"bucketResult"`
}

// SendBucketResultResponse acknowledges an accepted result.
type SendBucketResultResponse struct {
	AcceptedBucketID string `json:"acceptedBucketId"`
}

// ReportAliveRequest is the periodic worker heartbeat.
type ReportAliveRequest struct {
	WorkerID                types.WorkerID `json:"workerId"`
	PayloadSignature        string         `json:"payloadSignature"`
	BucketIDsBeingProcessed []string       `json:"bucketIdsBeingProcessed"`
}

// ReportAliveResponse is empty on success.
type ReportAliveResponse struct{}

// ScheduleTestsRequest submits a job's tests for execution.
type ScheduleTestsRequest struct {
	JobID            types.JobID      `json:"jobId"`
	JobGroupID       types.JobGroupID `json:"jobGroupId,omitempty"`
	JobPriority      types.Priority   `json:"jobPriority"`
	JobGroupPriority types.Priority   `json:"jobGroupPriority,omitempty"`

	TestEntries       []types.TestEntry         `json:"testEntries"`
	TestConfiguration enqueue.TestConfiguration `json:"testConfiguration"`

	SplitStrategy enqueue.SplitStrategy `json:"splitStrategy,omitempty"`
	SplitParts    uint                  `json:"splitParts,omitempty"`
}

// ScheduleTestsResponse acknowledges a scheduled job.
type ScheduleTestsResponse struct {
	JobID             types.JobID `json:"jobId"`
	EnqueuedBucketIDs []string    `json:"enqueuedBucketIds"`
}

// JobStateRequest asks for the state of one job.
type JobStateRequest struct {
	JobID types.JobID `json:"jobId"`
}

// JobStateResponse carries a job state snapshot.
type JobStateResponse struct {
	JobState types.JobState `json:"jobState"`
}

// JobResultsRequest asks for the accumulated results of one job.
type JobResultsRequest struct {
	JobID types.JobID `json:"jobId"`
}

// JobResultsResponse carries the job results.
type JobResultsResponse struct {
	JobResults types.JobResults `json:"jobResults"`
}

// DeleteJobRequest removes a job.
type DeleteJobRequest struct {
	JobID types.JobID `json:"jobId"`
}

// DeleteJobResponse acknowledges a deletion.
type DeleteJobResponse struct {
	JobID types.JobID `json:"jobId"`
}

// QueueServerVersionResponse reports the server build version.
type QueueServerVersionResponse struct {
	Version string `json:"version"`
}
