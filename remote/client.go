// Package remote bridges remote_task blocks to an external HTTP task API:
// create a serverless task, poll it to a terminal state, fetch its result.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// TaskStatus is the lifecycle state of a remote task
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusScheduling TaskStatus = "scheduling"
	StatusScheduled  TaskStatus = "scheduled"
	StatusRunning    TaskStatus = "running"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status ends polling
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CreateTaskRequest creates a serverless task
type CreateTaskRequest struct {
	Type           string         `json:"type"`
	PackageName    string         `json:"packageName"`
	PackageVersion string         `json:"packageVersion"`
	BlockName      string         `json:"blockName"`
	InputValues    map[string]any `json:"inputValues,omitempty"`
}

// NewServerlessTask builds the request for a serverless block run
func NewServerlessTask(packageName, packageVersion, blockName string, inputValues map[string]any) *CreateTaskRequest {
	return &CreateTaskRequest{
		Type:           "serverless",
		PackageName:    packageName,
		PackageVersion: packageVersion,
		BlockName:      blockName,
		InputValues:    inputValues,
	}
}

// TaskDetail is the polled state of a task
type TaskDetail struct {
	Status        TaskStatus `json:"status"`
	Progress      float64    `json:"progress"`
	FailedMessage string     `json:"failedMessage,omitempty"`
}

// TaskResult is the terminal result of a task
type TaskResult struct {
	Status     TaskStatus     `json:"status"`
	ResultData map[string]any `json:"resultData,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Client talks to the remote task HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// WithToken attaches an auth token, sent in the oomol-token header, to
// every request
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// CreateUserTask creates a task and returns its id
func (c *Client) CreateUserTask(ctx context.Context, payload *CreateTaskRequest) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v3/users/me/tasks", payload, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// GetTaskDetail polls a task's state
func (c *Client) GetTaskDetail(ctx context.Context, taskID string) (*TaskDetail, error) {
	var detail TaskDetail
	if err := c.do(ctx, http.MethodGet, "/v3/users/me/tasks/"+taskID, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetTaskResult fetches a finished task's result
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	var result TaskResult
	if err := c.do(ctx, http.MethodGet, "/v3/users/me/tasks/"+taskID+"/result", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("serialize request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("oomol-token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = string(data)
		}
		return fmt.Errorf("api returned non-success status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
