// Package client is a Go client for the kioskq HTTP producer API, used by
// the CLI and by agents.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Client talks to one producer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for baseURL (e.g. "http://10.0.0.5:8080").
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   errs.Kind       `json:"error"`
	Message string          `json:"message"`
	Details []errs.Detail   `json:"details"`
}

type completeReply struct {
	Success     bool        `json:"success"`
	ID          types.JobID `json:"id"`
	CompletedAt *time.Time  `json:"completedAt"`
}

type transitionBody struct {
	ID       types.JobID `json:"id"`
	Property string      `json:"property,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := "client." + method + " " + path

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindInternal, op, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrapf(errs.KindBackendUnavailable, op, err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.Wrapf(errs.KindBackendUnavailable, op, err, "read response")
	}

	if resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Error != "" {
			return &errs.Error{Kind: env.Error, Op: op, Message: env.Message, Details: env.Details}
		}
		return errs.E(kindOfStatus(resp.StatusCode), op, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrapf(errs.KindInternal, op, err, "decode response")
	}
	return nil
}

func kindOfStatus(code int) errs.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.KindUnauthorized
	case http.StatusBadRequest:
		return errs.KindValidation
	case http.StatusNotFound:
		return errs.KindNotFound
	case http.StatusConflict:
		return errs.KindConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.KindBackendUnavailable
	default:
		return errs.KindInternal
	}
}

func (c *Client) job(ctx context.Context, method, path string, body interface{}) (types.Job, error) {
	var env envelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return types.Job{}, err
	}
	var job types.Job
	if err := json.Unmarshal(env.Data, &job); err != nil {
		return types.Job{}, errs.Wrapf(errs.KindInternal, "client.job", err, "decode job")
	}
	return job, nil
}

// Enqueue submits a job.
func (c *Client) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.Job, error) {
	return c.job(ctx, http.MethodPost, "/api/pms-queue", req)
}

// RemotePrint submits a remote-print job.
func (c *Client) RemotePrint(ctx context.Context, roomNumber, password string) (types.Job, error) {
	return c.job(ctx, http.MethodPost, "/api/remote-print", map[string]string{
		"roomNumber": roomNumber,
		"password":   password,
	})
}

// ListPending fetches the pending jobs of property.
func (c *Client) ListPending(ctx context.Context, property types.PropertyID) ([]types.Job, error) {
	var env envelope
	path := "/api/pms-queue?property=" + url.QueryEscape(string(property))
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	jobs := []types.Job{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &jobs); err != nil {
			return nil, errs.Wrapf(errs.KindInternal, "client.ListPending", err, "decode jobs")
		}
	}
	return jobs, nil
}

// Get fetches one job; property may be empty.
func (c *Client) Get(ctx context.Context, property types.PropertyID, id types.JobID) (types.Job, error) {
	path := "/api/pms-queue/" + url.PathEscape(string(id))
	if property != "" {
		path += "?property=" + url.QueryEscape(string(property))
	}
	return c.job(ctx, http.MethodGet, path, nil)
}

// Complete marks id completed and returns its completion time.
func (c *Client) Complete(ctx context.Context, property types.PropertyID, id types.JobID) (time.Time, error) {
	var reply completeReply
	err := c.do(ctx, http.MethodPost, "/api/pms-queue/complete", transitionBody{ID: id, Property: string(property)}, &reply)
	if err != nil {
		return time.Time{}, err
	}
	if reply.CompletedAt == nil {
		return time.Time{}, errs.E(errs.KindInternal, "client.Complete", "response without completedAt")
	}
	return *reply.CompletedAt, nil
}

// Fail marks id failed with reason.
func (c *Client) Fail(ctx context.Context, property types.PropertyID, id types.JobID, reason string) (types.Job, error) {
	return c.job(ctx, http.MethodPost, "/api/pms-queue/fail", transitionBody{ID: id, Property: string(property), Error: reason})
}

// MarkProcessing marks id processing.
func (c *Client) MarkProcessing(ctx context.Context, property types.PropertyID, id types.JobID) (types.Job, error) {
	return c.job(ctx, http.MethodPost, "/api/pms-queue/processing", transitionBody{ID: id, Property: string(property)})
}

// Health checks the producer's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
