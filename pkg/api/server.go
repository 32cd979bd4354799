// Package api implements the HTTP endpoint layer of the queue server.
//
// Every endpoint is a POST with a JSON body. Responses are HTTP 200 tagged
// unions: {"status":"ok", ...} or {"status":"error","kind":...,"message":...}.
// Transport failures surface as non-200.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/cachegc"
	"go.waggle.dev/waggle/pkg/enqueue"
	"go.waggle.dev/waggle/pkg/queue"
	"go.waggle.dev/waggle/pkg/types"
	"go.waggle.dev/waggle/pkg/workercfg"
)

// ActivitySink is notified by requests that indicate a live client.
type ActivitySink interface {
	NoteActivity()
}

// Server wires the endpoint handlers to the queue core.
type Server struct {
	Log              *zap.Logger
	PayloadSignature string
	Alive            *aliveness.Provider
	WorkerConfigs    *workercfg.File
	Dequeuer         queue.BucketDequeuer
	Accepter         queue.BucketAccepter
	States           queue.JobStateProvider
	Deleter          queue.JobDeleter
	TestsEnqueuer    *enqueue.TestsEnqueuer
	Activity         ActivitySink
	AcceptedBuckets  *cachegc.Cache
	MaxArtifactBytes int
	Version          string
	Metrics          *Metrics

	draining int32
}

// SetDraining stops the server from accepting new jobs.
// In-flight buckets still drain through bucketResult.
func (s *Server) SetDraining(draining bool) {
	var v int32
	if draining {
		v = 1
	}
	atomic.StoreInt32(&s.draining, v)
}

func (s *Server) isDraining() bool {
	return atomic.LoadInt32(&s.draining) != 0
}

// Router builds the endpoint routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(PathRegisterWorker, s.handleRegisterWorker).Methods(http.MethodPost)
	r.HandleFunc(PathGetBucket, s.handleGetBucket).Methods(http.MethodPost)
	r.HandleFunc(PathBucketResult, s.handleBucketResult).Methods(http.MethodPost)
	r.HandleFunc(PathReportAlive, s.handleReportAlive).Methods(http.MethodPost)
	r.HandleFunc(PathScheduleTests, s.handleScheduleTests).Methods(http.MethodPost)
	r.HandleFunc(PathJobState, s.handleJobState).Methods(http.MethodPost)
	r.HandleFunc(PathJobResults, s.handleJobResults).Methods(http.MethodPost)
	r.HandleFunc(PathDeleteJob, s.handleDeleteJob).Methods(http.MethodPost)
	r.HandleFunc(PathQueueServerVersion, s.handleQueueServerVersion).Methods(http.MethodPost)
	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) writeOK(w http.ResponseWriter, path string, payload interface{}) {
	buf, err := json.Marshal(payload)
	if err != nil {
		s.Log.Error("Failed to marshal response", zap.String("path", path), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	body := make(map[string]interface{})
	if err := json.Unmarshal(buf, &body); err != nil {
		s.Log.Error("Response payload is not an object", zap.String("path", path), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	body["status"] = StatusOK
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
	s.Metrics.countRequest(path, false)
}

func (s *Server) writeError(w http.ResponseWriter, path string, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Envelope{
		Status:  StatusError,
		Kind:    e.kind,
		Message: e.message,
	})
	s.Metrics.countRequest(path, true)
}

// checkSignature gates every worker-originated mutation.
func (s *Server) checkSignature(sig string) *apiError {
	if sig != s.PayloadSignature {
		return errOf(KindSignatureMismatch, "payload signature does not match this queue server instance")
	}
	return nil
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Alive.DidRegisterWorker(req.WorkerID); err != nil {
		switch {
		case errors.Is(err, aliveness.ErrWorkerNotAllowed):
			s.writeError(w, r.URL.Path, errOf(KindWorkerNotRegistered, err.Error()))
		case errors.Is(err, aliveness.ErrWorkerBlocked):
			s.writeError(w, r.URL.Path, errOf(KindWorkerBlocked, err.Error()))
		default:
			s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		}
		return
	}
	s.writeOK(w, r.URL.Path, RegisterWorkerResponse{
		PayloadSignature:    s.PayloadSignature,
		WorkerConfiguration: s.WorkerConfigs.ForWorker(req.WorkerID),
	})
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	var req FetchBucketRequest
	if !s.decode(w, r, &req) {
		return
	}
	if e := s.checkSignature(req.PayloadSignature); e != nil {
		s.writeError(w, r.URL.Path, e)
		return
	}
	res := s.Dequeuer.DequeueBucket(req.WorkerID, req.WorkerCapabilities)
	resp := FetchBucketResponse{}
	switch res.Verdict {
	case queue.VerdictDequeuedBucket:
		bucket := res.Bucket.EnqueuedBucket.Bucket
		resp.Case = FetchCaseBucket
		resp.Bucket = &bucket
	case queue.VerdictQueueIsEmpty:
		resp.Case = FetchCaseQueueIsEmpty
	case queue.VerdictCheckAgainLater:
		resp.Case = FetchCaseCheckAgainLater
		resp.CheckAfter = res.CheckAfter
	case queue.VerdictWorkerIsBlocked:
		resp.Case = FetchCaseWorkerIsBlocked
	default:
		resp.Case = FetchCaseWorkerIsNotAlive
	}
	s.writeOK(w, r.URL.Path, resp)
}

func (s *Server) handleBucketResult(w http.ResponseWriter, r *http.Request) {
	var req SendBucketResultRequest
	if !s.decode(w, r, &req) {
		return
	}
	if e := s.checkSignature(req.PayloadSignature); e != nil {
		s.writeError(w, r.URL.Path, e)
		return
	}
	if tr := req.BucketResult.TestingResult; tr != nil && s.MaxArtifactBytes > 0 && tr.ArtifactBytes() > s.MaxArtifactBytes {
		s.writeError(w, r.URL.Path, errOf(KindArtifactTooLarge, "result artifacts exceed the configured maximum"))
		return
	}
	_, err := s.Accepter.Accept(req.BucketID, req.BucketResult, req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrBucketNotDequeued), errors.Is(err, queue.ErrWrongWorker):
			if s.AcceptedBuckets.Contains(req.BucketID) {
				// Retried delivery of an already accepted result.
				s.Log.Debug("Duplicate bucket result",
					zap.String("bucket_id", req.BucketID),
					zap.String("worker_id", string(req.WorkerID)))
			} else {
				s.Log.Warn("Result for bucket that is not in flight",
					zap.String("bucket_id", req.BucketID),
					zap.String("worker_id", string(req.WorkerID)))
			}
			s.writeError(w, r.URL.Path, errOf(KindBucketNotDequeued, err.Error()))
		case errors.Is(err, queue.ErrJobDeleted):
			s.writeError(w, r.URL.Path, errOf(KindJobDeleted, err.Error()))
		case errors.Is(err, queue.ErrNoResult):
			s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		default:
			s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		}
		return
	}
	s.AcceptedBuckets.Add(req.BucketID, req.WorkerID)
	s.writeOK(w, r.URL.Path, SendBucketResultResponse{AcceptedBucketID: req.BucketID})
}

func (s *Server) handleReportAlive(w http.ResponseWriter, r *http.Request) {
	var req ReportAliveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if e := s.checkSignature(req.PayloadSignature); e != nil {
		s.writeError(w, r.URL.Path, e)
		return
	}
	if err := s.Alive.SetBucketIDsBeingProcessed(req.WorkerID, req.BucketIDsBeingProcessed); err != nil {
		s.writeError(w, r.URL.Path, errOf(KindWorkerNotRegistered, err.Error()))
		return
	}
	s.writeOK(w, r.URL.Path, ReportAliveResponse{})
}

func (s *Server) handleScheduleTests(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTestsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.isDraining() {
		s.writeError(w, r.URL.Path, errOf(KindDraining, "queue server is shutting down"))
		return
	}
	if req.JobID == "" {
		s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, "missing jobId"))
		return
	}
	s.Activity.NoteActivity()
	job := types.JobPrioritizationInfo{
		JobID:            req.JobID,
		JobGroupID:       req.JobGroupID,
		JobPriority:      req.JobPriority,
		JobGroupPriority: req.JobGroupPriority,
	}
	// A job without an explicit group forms its own.
	if job.JobGroupID == "" {
		job.JobGroupID = types.JobGroupID(req.JobID)
		if job.JobGroupPriority == 0 {
			job.JobGroupPriority = job.JobPriority
		}
	}
	splitter, err := enqueue.SplitterForStrategy(req.SplitStrategy, req.SplitParts)
	if err != nil {
		s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		return
	}
	buckets, err := s.TestsEnqueuer.Enqueue(req.TestEntries, req.TestConfiguration, job, splitter)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrJobDeleted):
			s.writeError(w, r.URL.Path, errOf(KindJobDeleted, err.Error()))
		case errors.Is(err, enqueue.ErrNoTestEntries):
			s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		default:
			s.writeError(w, r.URL.Path, errOf(KindInvalidRequest, err.Error()))
		}
		return
	}
	ids := make([]string, len(buckets))
	for i, b := range buckets {
		ids[i] = b.BucketID
	}
	s.writeOK(w, r.URL.Path, ScheduleTestsResponse{JobID: req.JobID, EnqueuedBucketIDs: ids})
}

func (s *Server) handleJobState(w http.ResponseWriter, r *http.Request) {
	var req JobStateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.Activity.NoteActivity()
	state, err := s.States.JobState(req.JobID)
	if err != nil {
		s.writeError(w, r.URL.Path, errOf(KindJobNotFound, err.Error()))
		return
	}
	s.writeOK(w, r.URL.Path, JobStateResponse{JobState: state})
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	var req JobResultsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.Activity.NoteActivity()
	results, err := s.States.JobResults(req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrJobDeleted):
			s.writeError(w, r.URL.Path, errOf(KindJobDeleted, err.Error()))
		default:
			s.writeError(w, r.URL.Path, errOf(KindJobNotFound, err.Error()))
		}
		return
	}
	s.writeOK(w, r.URL.Path, JobResultsResponse{JobResults: results})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	var req DeleteJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.Activity.NoteActivity()
	if err := s.Deleter.Delete(req.JobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobDeleted):
			s.writeError(w, r.URL.Path, errOf(KindJobDeleted, err.Error()))
		default:
			s.writeError(w, r.URL.Path, errOf(KindJobNotFound, err.Error()))
		}
		return
	}
	s.writeOK(w, r.URL.Path, DeleteJobResponse{JobID: req.JobID})
}

func (s *Server) handleQueueServerVersion(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r.URL.Path, QueueServerVersionResponse{Version: s.Version})
}
