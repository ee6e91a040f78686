package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/registry"
)

// Client talks to the control plane API on behalf of a worker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an API client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Register registers or refreshes the worker.
func (c *Client) Register(ctx context.Context, w *models.Worker) (*models.Worker, error) {
	var out models.Worker
	if _, err := c.do(ctx, http.MethodPost, "/api/workers", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the worker's liveness window.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil, nil)
	return err
}

// PendingTasks lists pending tasks, highest priority first.
func (c *Client) PendingTasks(ctx context.Context) ([]models.Task, error) {
	var out struct {
		Tasks []models.Task `json:"tasks"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/tasks?status="+string(models.TaskStatusPending), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var out models.Task
	if _, err := c.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim attempts to claim a task. A lost race returns the conflict, not
// an error.
func (c *Client) Claim(ctx context.Context, taskID, workerID string) (*models.Task, *registry.ClaimConflict, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/claim",
		map[string]string{"worker_id": workerID}, &raw)
	if err != nil {
		return nil, nil, err
	}
	if status == http.StatusConflict {
		var body struct {
			Conflict *registry.ClaimConflict `json:"conflict"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.Conflict == nil {
			return nil, nil, fmt.Errorf("malformed conflict response: %s", raw)
		}
		return nil, body.Conflict, nil
	}
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, nil, err
	}
	return &task, nil, nil
}

// Complete reports a successful task outcome.
func (c *Client) Complete(ctx context.Context, taskID, result string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/complete",
		map[string]string{"result": result}, nil)
	return err
}

// Fail reports a failed task outcome.
func (c *Client) Fail(ctx context.Context, taskID, errMsg string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/fail",
		map[string]string{"error": errMsg}, nil)
	return err
}

// GetCodebase fetches one codebase.
func (c *Client) GetCodebase(ctx context.Context, id string) (*models.Codebase, error) {
	var out models.Codebase
	if _, err := c.do(ctx, http.MethodGet, "/api/codebases/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmCodebase claims ownership of a pending codebase.
func (c *Client) ConfirmCodebase(ctx context.Context, id, workerID, path string) (*models.Codebase, error) {
	var out models.Codebase
	if _, err := c.do(ctx, http.MethodPost, "/api/codebases/"+id+"/confirm",
		map[string]string{"worker_id": workerID, "path": path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events opens the notification stream and delivers decoded events on
// the returned channel until ctx is done or the server drops the
// connection. The channel is closed on exit. The worker id identifies
// the subscriber so the open stream counts toward its liveness.
func (c *Client) Events(ctx context.Context, workerID string, codebases, capabilities []string) (<-chan broker.Event, error) {
	q := url.Values{}
	if workerID != "" {
		q.Set("worker_id", workerID)
	}
	if len(codebases) > 0 {
		q.Set("codebases", strings.Join(codebases, ","))
	}
	if len(capabilities) > 0 {
		q.Set("capabilities", strings.Join(capabilities, ","))
	}
	path := "/api/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	// streaming connection, no client timeout
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	ch := make(chan broker.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var evt broker.Event
			if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
