// Package workerclient implements the worker side of the queue protocol:
// a thin HTTP client plus the polling scheduler that drives a bucket runner.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/api"
	"go.waggle.dev/waggle/pkg/types"
)

// ServerError is a refusal from the queue server.
type ServerError struct {
	Kind    api.ErrorKind
	Message string
}

// Error implements error.
func (e *ServerError) Error() string {
	return fmt.Sprintf("queue server refused request: %s: %s", e.Kind, e.Message)
}

// Client talks to one queue server instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Log        *zap.Logger

	WorkerID     types.WorkerID
	Capabilities types.WorkerCapabilities

	payloadSignature string
	configuration    types.WorkerConfiguration
}

// NewClient creates a client for a worker identity.
func NewClient(baseURL string, workerID types.WorkerID, caps types.WorkerCapabilities, log *zap.Logger) *Client {
	return &Client{
		BaseURL:      baseURL,
		HTTPClient:   http.DefaultClient,
		Log:          log,
		WorkerID:     workerID,
		Capabilities: caps,
	}
}

func (c *Client) post(ctx context.Context, path string, reqBody, payload interface{}) error {
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue server returned HTTP %d", resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("malformed response body: %w", err)
	}
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed response envelope: %w", err)
	}
	if env.Status != api.StatusOK {
		return &ServerError{Kind: env.Kind, Message: env.Message}
	}
	if payload != nil {
		if err := json.Unmarshal(raw, payload); err != nil {
			return fmt.Errorf("malformed response payload: %w", err)
		}
	}
	return nil
}

// Register introduces the worker to the queue and stores the session material.
func (c *Client) Register(ctx context.Context) (types.WorkerConfiguration, error) {
	var resp api.RegisterWorkerResponse
	err := c.post(ctx, api.PathRegisterWorker, api.RegisterWorkerRequest{
		WorkerID:           c.WorkerID,
		WorkerCapabilities: c.Capabilities,
	}, &resp)
	if err != nil {
		return types.WorkerConfiguration{}, err
	}
	c.payloadSignature = resp.PayloadSignature
	c.configuration = resp.WorkerConfiguration
	c.Log.Info("Registered with queue server",
		zap.String("worker_id", string(c.WorkerID)))
	return resp.WorkerConfiguration, nil
}

// Configuration returns the configuration received at registration.
func (c *Client) Configuration() types.WorkerConfiguration {
	return c.configuration
}

// FetchBucket asks for the next bucket.
func (c *Client) FetchBucket(ctx context.Context) (api.FetchBucketResponse, error) {
	var resp api.FetchBucketResponse
	err := c.post(ctx, api.PathGetBucket, api.FetchBucketRequest{
		WorkerID:           c.WorkerID,
		PayloadSignature:   c.payloadSignature,
		WorkerCapabilities: c.Capabilities,
	}, &resp)
	return resp, err
}

// SendResult reports a finished bucket.
func (c *Client) SendResult(ctx context.Context, bucketID string, result types.TestingResult) error {
	var resp api.SendBucketResultResponse
	return c.post(ctx, api.PathBucketResult, api.SendBucketResultRequest{
		WorkerID:         c.WorkerID,
		PayloadSignature: c.payloadSignature,
		BucketID:         bucketID,
		BucketResult:     types.BucketResult{TestingResult: &result},
	}, &resp)
}

// ReportAlive sends a heartbeat with the buckets currently being processed.
func (c *Client) ReportAlive(ctx context.Context, bucketIDs []string) error {
	return c.post(ctx, api.PathReportAlive, api.ReportAliveRequest{
		WorkerID:                c.WorkerID,
		PayloadSignature:        c.payloadSignature,
		BucketIDsBeingProcessed: bucketIDs,
	}, nil)
}

// QueueServerVersion asks the server for its build version.
func (c *Client) QueueServerVersion(ctx context.Context) (string, error) {
	var resp api.QueueServerVersionResponse
	if err := c.post(ctx, api.PathQueueServerVersion, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}
