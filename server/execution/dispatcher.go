// Package execution defines the dispatcher collaborator that performs the
// actual multi-agent workflow run. The engine never runs workflows itself;
// it hands them to a Dispatcher and observes the result.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentloom/agentloom/server/streaming"
)

// Result describes an accepted or completed workflow run.
type Result struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"` // "pending", "running", "completed", "failed"
	Output      map[string]any `json:"output,omitempty"`
}

// Dispatcher requests a workflow run with the given input payload. A non-nil
// error means the run could not be started or failed synchronously.
type Dispatcher interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*Result, error)
}

// HTTPDispatcher forwards runs to the orchestrator service over HTTP.
//
// HTTP 200/202 = run accepted; completion is reported back asynchronously
// through the orchestrator's own channels.
type HTTPDispatcher struct {
	baseURL   string
	client    *http.Client
	publisher streaming.Publisher
}

// NewHTTPDispatcher creates a dispatcher targeting the orchestrator at
// baseURL.
func NewHTTPDispatcher(baseURL string, publisher streaming.Publisher) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		publisher: publisher,
	}
}

func (d *HTTPDispatcher) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*Result, error) {
	payload := map[string]any{
		"workflow_id": workflowID,
		"input":       input,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/executions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("orchestrator returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode orchestrator response: %w", err)
	}
	if result.Status == "" {
		result.Status = "pending"
	}

	if d.publisher != nil {
		d.publisher.Publish(ctx, streaming.TopicExecutionStarted, result.ExecutionID, map[string]any{
			"workflow_id":  workflowID,
			"execution_id": result.ExecutionID,
			"status":       result.Status,
		})
	}
	return &result, nil
}
