/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Job states reported by the rendering service.
const (
	JobStatePending = "pending"
	JobStateRunning = "running"
	JobStateDone    = "done"
	JobStateFailed  = "failed"
)

// JobRequest describes one asset to render.
type JobRequest struct {
	Kind  Kind   `json:"kind"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// JobStatus is the service's view of a submitted job.
type JobStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Client talks to the remote speech rendering service. All methods take a
// context; callers bound how long a prep window may spend here.
type Client struct {
	baseURL    string
	voice      string
	pollEvery  time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient validates the base URL and builds a client. voice is the
// default used when a request leaves it empty.
func NewClient(baseURL, voice string, logger zerolog.Logger) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid speech service URL: %w", err)
	}
	return &Client{
		baseURL:   baseURL,
		voice:     voice,
		pollEvery: 2 * time.Second,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// SetPollInterval overrides how often Generate checks job state.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollEvery = d
	}
}

// Submit queues a render job and returns its ID.
func (c *Client) Submit(ctx context.Context, req JobRequest) (string, error) {
	if req.Voice == "" {
		req.Voice = c.voice
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit response missing job_id")
	}
	return out.JobID, nil
}

// Poll fetches the current state of a job.
func (c *Client) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return JobStatus{}, fmt.Errorf("poll failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var st JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return JobStatus{}, fmt.Errorf("decode poll response: %w", err)
	}
	return st, nil
}

// Download streams a finished job's audio into destPath. The write goes
// through a temp file and rename so readers never see a partial asset.
func (c *Client) Download(ctx context.Context, jobID, destPath string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID+"/result", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("download job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("download failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write asset: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize asset: %w", err)
	}
	return nil
}

// Generate runs the whole submit, poll, download cycle. It returns once the
// asset is in place at destPath or the context expires.
func (c *Client) Generate(ctx context.Context, req JobRequest, destPath string) error {
	jobID, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("job_id", jobID).Str("dest", destPath).Msg("speech job submitted")

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := c.Poll(ctx, jobID)
		if err != nil {
			return err
		}
		switch st.State {
		case JobStateDone:
			return c.Download(ctx, jobID, destPath)
		case JobStateFailed:
			return fmt.Errorf("speech job %s failed: %s", jobID, st.Error)
		case JobStatePending, JobStateRunning:
		default:
			return fmt.Errorf("speech job %s in unknown state %q", jobID, st.State)
		}
	}
}
