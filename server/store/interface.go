package store

import (
	"context"
	"time"
)

// Store defines the persistence backend consumed by the scheduling, webhook
// and versioning engines. It abstracts over Postgres (durable) and the
// in-memory implementation used by tests and single-node runs.
//
// Lookups return (nil, nil) when the row does not exist; callers decide
// whether absence is an error.
type Store interface {
	// Schedule operations. The engine never creates or deletes schedules;
	// that belongs to the CRUD surface.
	ListEnabledSchedules(ctx context.Context) ([]*Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun time.Time) error

	// Workflow operations.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflowGraph(ctx context.Context, id string, name string, description string, nodes []Node, edges []Edge) error

	// Agent operations. ReplaceAgents deletes the workflow's current agents
	// and inserts the given set in their place.
	ListAgents(ctx context.Context, workflowID string) ([]*AgentConfig, error)
	ReplaceAgents(ctx context.Context, workflowID string, agents []*AgentConfig) error

	// Webhook operations. RecordWebhookTrigger must atomically increment the
	// trigger count, set LastTriggeredAt and prepend the call entry to the
	// rolling log (capped at CallLogCapacity, newest first) so concurrent
	// triggers never lose updates.
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	GetWebhookByWorkflow(ctx context.Context, workflowID string) (*Webhook, error)
	InsertWebhook(ctx context.Context, w *Webhook) error
	SetWebhookEnabled(ctx context.Context, id string, enabled bool) error
	UpdateWebhookSecret(ctx context.Context, id string, secretKey string, webhookURL string) error
	RecordWebhookTrigger(ctx context.Context, id string, triggeredAt time.Time, call WebhookCall) error

	// Version operations. ListVersions returns versions ordered by version
	// number descending.
	InsertVersion(ctx context.Context, v *WorkflowVersion) error
	ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)
	GetVersion(ctx context.Context, id string) (*WorkflowVersion, error)
	UpdateVersionTag(ctx context.Context, id string, tag string) error
	UpdateVersionStats(ctx context.Context, id string, executionCount int, successRate int, avgDuration int) error
}
