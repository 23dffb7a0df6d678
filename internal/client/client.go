// Package client talks to a running engine over its HTTP API. It backs the
// remote pull worker and the CLI's query commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

// ErrNoWork is returned by Claim when the queue has nothing eligible.
var ErrNoWork = errors.New("no work available")

// APIError is a non-2xx response from the engine.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// Client is a thin JSON client for the engine API.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends one request and decodes the response into out. Non-2xx responses
// come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := res.Status
		if json.NewDecoder(res.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return res.StatusCode, &APIError{Status: res.StatusCode, Message: msg}
	}

	if out != nil && res.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

// SubmitPlan sends a plan for ingestion and returns its receipt.
func (c *Client) SubmitPlan(ctx context.Context, req plan.Request) (*plan.Receipt, error) {
	var receipt plan.Receipt
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/plans", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// PlanDetail is a plan with its per-subtask breakdown.
type PlanDetail struct {
	Plan     *task.Plan   `json:"plan"`
	Subtasks []*task.Task `json:"subtasks"`
}

func (c *Client) GetPlan(ctx context.Context, id string) (*PlanDetail, error) {
	var detail PlanDetail
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/plans/"+id, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) ListPlans(ctx context.Context, limit int) ([]*task.Plan, error) {
	var plans []*task.Plan
	path := "/api/v1/plans"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// CreateTask submits a standalone task.
func (c *Client) CreateTask(ctx context.Context, spec plan.SubtaskSpec) (*task.Task, error) {
	var t task.Task
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", spec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOptions filter the task listing.
type ListOptions struct {
	Status string
	PlanID string
	Type   string
	Limit  int
}

func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]*task.Task, error) {
	q := make([]string, 0, 4)
	if opts.Status != "" {
		q = append(q, "status="+opts.Status)
	}
	if opts.PlanID != "" {
		q = append(q, "plan_id="+opts.PlanID)
	}
	if opts.Type != "" {
		q = append(q, "type="+opts.Type)
	}
	if opts.Limit > 0 {
		q = append(q, "limit="+strconv.Itoa(opts.Limit))
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}

	var tasks []*task.Task
	if _, err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Claim asks for the next eligible task. ErrNoWork means an empty queue,
// not a failure.
func (c *Client) Claim(ctx context.Context, workerID string, capabilities []string) (*task.Assignment, error) {
	body := struct {
		WorkerID     string   `json:"worker_id"`
		Capabilities []string `json:"capabilities,omitempty"`
	}{workerID, capabilities}

	var a task.Assignment
	status, err := c.do(ctx, http.MethodPost, "/api/v1/assignments/claim", body, &a)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoWork
	}
	return &a, nil
}

// Heartbeat reports liveness for a held lease and returns the refreshed
// assignment, including any pending cancellation flag.
func (c *Client) Heartbeat(ctx context.Context, assignmentID string) (*task.Assignment, error) {
	var a task.Assignment
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/heartbeat", struct{}{}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Complete(ctx context.Context, assignmentID string, result json.RawMessage) error {
	body := struct {
		Result json.RawMessage `json:"result,omitempty"`
	}{result}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/complete", body, nil)
	return err
}

func (c *Client) Fail(ctx context.Context, assignmentID, reason string) error {
	body := struct {
		Reason string `json:"reason"`
	}{reason}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/fail", body, nil)
	return err
}

func (c *Client) Metrics(ctx context.Context) (*task.Metrics, error) {
	var m task.Metrics
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Events fetches the newest entries of the engine's event log.
func (c *Client) Events(ctx context.Context, limit int) ([]*persistence.EventRecord, error) {
	path := "/api/v1/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var evs []*persistence.EventRecord
	if _, err := c.do(ctx, http.MethodGet, path, nil, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Health fetches the health verdict. A 503 carries the report in its body
// like a 200 does, so both decode the same way.
func (c *Client) Health(ctx context.Context) (*task.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusServiceUnavailable {
		return nil, &APIError{Status: res.StatusCode, Message: res.Status}
	}
	var report task.HealthReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode health report: %w", err)
	}
	return &report, nil
}
