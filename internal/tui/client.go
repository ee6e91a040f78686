package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// Client is the monitor's read-only view of the control plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

// ListTasks fetches tasks, optionally narrowed to one status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var out struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := c.get(path, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// WorkerView is a worker plus its liveness as the server sees it.
type WorkerView struct {
	models.Worker
	Connected bool `json:"connected"`
}

// ListWorkers fetches the roster.
func (c *Client) ListWorkers() ([]WorkerView, error) {
	var out struct {
		Workers []WorkerView `json:"workers"`
	}
	if err := c.get("/api/workers", &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// ListRuns fetches all runs.
func (c *Client) ListRuns() ([]models.RalphRun, error) {
	var out struct {
		Runs []models.RalphRun `json:"runs"`
	}
	if err := c.get("/api/runs", &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}
