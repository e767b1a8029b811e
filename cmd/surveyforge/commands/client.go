// Package commands implements CLI command handlers for surveyforge.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// defaultClientTimeout bounds every CLI request to the server.
const defaultClientTimeout = 30 * time.Second

// ErrServerRejected wraps API error responses.
var ErrServerRejected = errors.New("server rejected request")

// Client talks to a running surveyforge server over its HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the server at base. token may be empty when
// the server runs without submission auth.
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: defaultClientTimeout},
	}
}

// Acceptance is the server's answer to a submission.
type Acceptance struct {
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	OutputFile    string `json:"output_file"`
	OriginalTopic string `json:"original_topic"`
}

// Submit posts the submission parameters and returns the acceptance.
func (c *Client) Submit(ctx context.Context, params map[string]any) (*Acceptance, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}

	var out Acceptance

	err = c.call(ctx, http.MethodPost, "/api/task/submit", bytes.NewReader(body), &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Task fetches one task record.
func (c *Client) Task(ctx context.Context, id string) (*task.Record, error) {
	var rec task.Record

	err := c.call(ctx, http.MethodGet, "/api/task/"+url.PathEscape(id), nil, &rec)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Tasks lists task records, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]*task.Record, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}

	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/tasks"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Tasks []*task.Record `json:"tasks"`
	}

	err := c.call(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}

	return out.Tasks, nil
}

// Delete removes the task record and its stored result.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/task/"+url.PathEscape(id), nil, nil)
}

// Output fetches the generated survey JSON for a completed task.
func (c *Client) Output(ctx context.Context, id string) ([]byte, error) {
	return c.raw(ctx, http.MethodGet, "/api/output/"+url.PathEscape(id), nil)
}

// GlobalStatus fetches the pipeline snapshot.
func (c *Client) GlobalStatus(ctx context.Context) (*manager.Status, error) {
	var status manager.Status

	err := c.call(ctx, http.MethodGet, "/api/global_pipeline_status", nil, &status)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// call performs one JSON round-trip and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out any) error {
	data, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// raw performs one request and returns the response body, mapping non-2xx
// responses to ErrServerRejected with the server's error message.
func (c *Client) raw(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s", ErrServerRejected, serverError(data, resp.StatusCode))
	}

	return data, nil
}

// serverError extracts the API error message, falling back to the HTTP status.
func serverError(data []byte, statusCode int) string {
	var apiErr struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return apiErr.Error
	}

	return http.StatusText(statusCode)
}
