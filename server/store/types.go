package store

import (
	"time"
)

// Workflow is the live, editable workflow row.
type Workflow struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Nodes       []Node    `json:"nodes" db:"nodes"`
	Edges       []Edge    `json:"edges" db:"edges"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Node is a single vertex of the workflow graph. Data carries arbitrary
// editor-supplied JSON (labels, model settings, positions of sub-elements).
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Animated bool   `json:"animated,omitempty"`
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentConfig is the per-workflow AI agent configuration attached to a node.
type AgentConfig struct {
	ID           string   `json:"id" db:"id"`
	WorkflowID   string   `json:"workflow_id" db:"workflow_id"`
	NodeID       string   `json:"node_id" db:"node_id"`
	Name         string   `json:"name" db:"name"`
	Role         string   `json:"role" db:"role"`
	Description  string   `json:"description" db:"description"`
	Provider     string   `json:"provider" db:"provider"`
	Model        string   `json:"model" db:"model"`
	SystemPrompt string   `json:"system_prompt" db:"system_prompt"`
	Temperature  float64  `json:"temperature" db:"temperature"`
	MaxTokens    int      `json:"max_tokens" db:"max_tokens"`
	Capabilities []string `json:"capabilities" db:"capabilities"`
	Position     Position `json:"position" db:"position"`
}

// Schedule is a persisted cron rule bound to one workflow. The engine only
// reads enabled schedules and writes LastRun; all other fields are owned by
// the CRUD surface.
type Schedule struct {
	ID             string     `json:"id" db:"id"`
	WorkflowID     string     `json:"workflow_id" db:"workflow_id"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Timezone       string     `json:"timezone" db:"timezone"` // IANA name, "" means UTC
	Enabled        bool       `json:"enabled" db:"enabled"`
	LastRun        *time.Time `json:"last_run" db:"last_run"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Webhook is a secret-bearing external trigger endpoint bound to one workflow.
type Webhook struct {
	ID                 string            `json:"id" db:"id"`
	WorkflowID         string            `json:"workflow_id" db:"workflow_id"`
	WebhookURL         string            `json:"webhook_url" db:"webhook_url"`
	SecretKey          string            `json:"secret_key" db:"secret_key"` // 32 random bytes, hex encoded
	Enabled            bool              `json:"enabled" db:"enabled"`
	IPWhitelist        []string          `json:"ip_whitelist" db:"ip_whitelist"`               // nil or empty = any caller
	PayloadTransformer map[string]string `json:"payload_transformer" db:"payload_transformer"` // output field -> dotted source path
	TriggerCount       int64             `json:"trigger_count" db:"trigger_count"`
	LastTriggeredAt    *time.Time        `json:"last_triggered_at" db:"last_triggered_at"`
	CallLog            []WebhookCall     `json:"call_log" db:"call_log"` // newest first, at most CallLogCapacity entries
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
}

// WebhookCall is one entry of a webhook's rolling call log.
type WebhookCall struct {
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// WorkflowData is the frozen graph captured by a version snapshot. It is a
// value copy taken at commit time and must never alias the live workflow.
type WorkflowData struct {
	Nodes       []Node        `json:"nodes"`
	Edges       []Edge        `json:"edges"`
	Agents      []AgentConfig `json:"agents"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
}

// WorkflowVersion is an immutable point-in-time snapshot of a workflow plus
// its rolling execution statistics. Only Tag and the three stat fields are
// ever updated after insert.
type WorkflowVersion struct {
	ID              string       `json:"id" db:"id"`
	WorkflowID      string       `json:"workflow_id" db:"workflow_id"`
	Version         int          `json:"version" db:"version"`
	CommitMessage   string       `json:"commit_message" db:"commit_message"`
	CreatedBy       string       `json:"created_by" db:"created_by"`
	Data            WorkflowData `json:"workflow_data" db:"workflow_data"`
	ParentVersionID string       `json:"parent_version_id,omitempty" db:"parent_version_id"` // "" only for the first version
	Tag             string       `json:"tag,omitempty" db:"tag"`
	ExecutionCount  int          `json:"execution_count" db:"execution_count"`
	SuccessRate     int          `json:"success_rate" db:"success_rate"` // 0-100, rounded
	AvgDuration     int          `json:"avg_duration" db:"avg_duration"` // milliseconds, rounded
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}
