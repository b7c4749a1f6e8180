package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"roost/pkg/protocol"
)

// TaskStore realizes the runner's store boundary (task reads, ralph state
// updates, terminal transitions) over the control plane's task endpoints.
// The store itself lives server-side; the runner only ever calls through.
type TaskStore struct {
	c *Client
}

// NewTaskStore wraps an existing control plane client.
func NewTaskStore(c *Client) *TaskStore {
	return &TaskStore{c: c}
}

// GetTaskByID fetches one task row.
func (s *TaskStore) GetTaskByID(ctx context.Context, id string) (*protocol.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.baseURL+"/tasks/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	s.c.setHeaders(req)

	resp, err := s.c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read task response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("get task", resp.StatusCode, body)
	}

	var task protocol.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// UpdateRalphState persists iteration count and/or checkpoint timestamp.
func (s *TaskStore) UpdateRalphState(ctx context.Context, id string, upd protocol.RalphStateUpdate) error {
	if err := s.c.post(ctx, "/tasks/"+id+"/ralph-state", upd); err != nil {
		return fmt.Errorf("update ralph state for %s: %w", id, err)
	}
	return nil
}

// CompleteTask marks the task completed with its output.
func (s *TaskStore) CompleteTask(ctx context.Context, id, output string) error {
	payload := struct {
		Output string `json:"output"`
	}{Output: output}
	if err := s.c.post(ctx, "/tasks/"+id+"/complete", payload); err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// FailTask marks the task failed with a reason.
func (s *TaskStore) FailTask(ctx context.Context, id, reason string) error {
	payload := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	if err := s.c.post(ctx, "/tasks/"+id+"/fail", payload); err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return nil
}
