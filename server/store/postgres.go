package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Schedule Operations ---

func (s *PostgresStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	query := `
		SELECT id, workflow_id, cron_expression, timezone, enabled, last_run, created_at, updated_at
		FROM workflow_schedules WHERE enabled ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.ID, &sch.WorkflowID, &sch.CronExpression, &sch.Timezone,
			&sch.Enabled, &sch.LastRun, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &sch)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	query := `
		SELECT id, workflow_id, cron_expression, timezone, enabled, last_run, created_at, updated_at
		FROM workflow_schedules WHERE id = $1
	`
	var sch Schedule
	err := s.pool.QueryRow(ctx, query, id).Scan(&sch.ID, &sch.WorkflowID, &sch.CronExpression,
		&sch.Timezone, &sch.Enabled, &sch.LastRun, &sch.CreatedAt, &sch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sch, nil
}

func (s *PostgresStore) UpdateScheduleLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflow_schedules SET last_run = $2, updated_at = NOW() WHERE id = $1`,
		id, lastRun)
	return err
}

// --- Workflow Operations ---

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT id, user_id, name, COALESCE(description, ''), nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`
	var wf Workflow
	var nodesJSON, edgesJSON []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.Description,
		&nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("decode workflow %s nodes: %w", id, err)
	}
	if err := unmarshalJSONB(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("decode workflow %s edges: %w", id, err)
	}
	return &wf, nil
}

func (s *PostgresStore) UpdateWorkflowGraph(ctx context.Context, id string, name string, description string, nodes []Node, edges []Edge) error {
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return err
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE workflows SET name = $2, description = $3, nodes = $4, edges = $5, updated_at = NOW()
		WHERE id = $1
	`, id, name, description, nodesJSON, edgesJSON)
	return err
}

// --- Agent Operations ---

func (s *PostgresStore) ListAgents(ctx context.Context, workflowID string) ([]*AgentConfig, error) {
	query := `
		SELECT id, workflow_id, node_id, name, role, COALESCE(description, ''), provider, model,
		       system_prompt, temperature, max_tokens, capabilities, position
		FROM agents WHERE workflow_id = $1 ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AgentConfig
	for rows.Next() {
		var a AgentConfig
		var posJSON []byte
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.NodeID, &a.Name, &a.Role, &a.Description,
			&a.Provider, &a.Model, &a.SystemPrompt, &a.Temperature, &a.MaxTokens,
			&a.Capabilities, &posJSON); err != nil {
			return nil, err
		}
		if err := unmarshalJSONB(posJSON, &a.Position); err != nil {
			return nil, fmt.Errorf("decode agent %s position: %w", a.ID, err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ReplaceAgents(ctx context.Context, workflowID string, agents []*AgentConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE workflow_id = $1`, workflowID); err != nil {
		return err
	}
	for _, a := range agents {
		posJSON, err := json.Marshal(a.Position)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO agents (id, workflow_id, node_id, name, role, description, provider, model,
			                    system_prompt, temperature, max_tokens, capabilities, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, a.ID, workflowID, a.NodeID, a.Name, a.Role, a.Description, a.Provider, a.Model,
			a.SystemPrompt, a.Temperature, a.MaxTokens, a.Capabilities, posJSON)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// --- Webhook Operations ---

const webhookColumns = `
	id, workflow_id, webhook_url, secret_key, enabled, ip_whitelist,
	payload_transformer, trigger_count, last_triggered_at, call_log, created_at
`

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

func (s *PostgresStore) GetWebhookByWorkflow(ctx context.Context, workflowID string) (*Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE workflow_id = $1`, workflowID)
	return scanWebhook(row)
}

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var w Webhook
	var transformerJSON, callLogJSON []byte
	err := row.Scan(&w.ID, &w.WorkflowID, &w.WebhookURL, &w.SecretKey, &w.Enabled,
		&w.IPWhitelist, &transformerJSON, &w.TriggerCount, &w.LastTriggeredAt,
		&callLogJSON, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(transformerJSON, &w.PayloadTransformer); err != nil {
		return nil, fmt.Errorf("decode webhook %s transformer: %w", w.ID, err)
	}
	if err := unmarshalJSONB(callLogJSON, &w.CallLog); err != nil {
		return nil, fmt.Errorf("decode webhook %s call log: %w", w.ID, err)
	}
	return &w, nil
}

func (s *PostgresStore) InsertWebhook(ctx context.Context, w *Webhook) error {
	transformerJSON, err := marshalJSONB(w.PayloadTransformer)
	if err != nil {
		return err
	}
	callLogJSON, err := json.Marshal(w.CallLog)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, workflow_id, webhook_url, secret_key, enabled, ip_whitelist,
		                      payload_transformer, trigger_count, last_triggered_at, call_log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, w.ID, w.WorkflowID, w.WebhookURL, w.SecretKey, w.Enabled, w.IPWhitelist,
		transformerJSON, w.TriggerCount, w.LastTriggeredAt, callLogJSON)
	return err
}

func (s *PostgresStore) SetWebhookEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE webhooks SET enabled = $2 WHERE id = $1`, id, enabled)
	return err
}

func (s *PostgresStore) UpdateWebhookSecret(ctx context.Context, id string, secretKey string, webhookURL string) error {
	// Single statement so the old secret stops validating the instant the new
	// one lands.
	_, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET secret_key = $2, webhook_url = $3 WHERE id = $1`,
		id, secretKey, webhookURL)
	return err
}

func (s *PostgresStore) RecordWebhookTrigger(ctx context.Context, id string, triggeredAt time.Time, call WebhookCall) error {
	callJSON, err := json.Marshal([]WebhookCall{call})
	if err != nil {
		return err
	}
	// Prepend and truncate in one statement; concurrent triggers serialize on
	// the row lock, so counts and log entries are never lost.
	_, err = s.pool.Exec(ctx, `
		UPDATE webhooks SET
			trigger_count = trigger_count + 1,
			last_triggered_at = $2,
			call_log = jsonb_path_query_array($3::jsonb || COALESCE(call_log, '[]'::jsonb), '$[0 to 9]')
		WHERE id = $1
	`, id, triggeredAt, callJSON)
	return err
}

// --- Version Operations ---

const versionColumns = `
	id, workflow_id, version, commit_message, created_by, workflow_data,
	COALESCE(parent_version_id, ''), COALESCE(tag, ''), execution_count, success_rate,
	avg_duration, created_at
`

func (s *PostgresStore) InsertVersion(ctx context.Context, v *WorkflowVersion) error {
	dataJSON, err := json.Marshal(v.Data)
	if err != nil {
		return err
	}
	var parent any
	if v.ParentVersionID != "" {
		parent = v.ParentVersionID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version, commit_message, created_by,
		                               workflow_data, parent_version_id, tag, execution_count,
		                               success_rate, avg_duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)
	`, v.ID, v.WorkflowID, v.Version, v.CommitMessage, v.CreatedBy, dataJSON, parent,
		v.Tag, v.ExecutionCount, v.SuccessRate, v.AvgDuration, v.CreatedAt)
	return err
}

func (s *PostgresStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func scanVersion(row pgx.Row) (*WorkflowVersion, error) {
	var v WorkflowVersion
	var dataJSON []byte
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.CommitMessage, &v.CreatedBy,
		&dataJSON, &v.ParentVersionID, &v.Tag, &v.ExecutionCount, &v.SuccessRate,
		&v.AvgDuration, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(dataJSON, &v.Data); err != nil {
		return nil, fmt.Errorf("decode version %s data: %w", v.ID, err)
	}
	return &v, nil
}

func (s *PostgresStore) UpdateVersionTag(ctx context.Context, id string, tag string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflow_versions SET tag = NULLIF($2, '') WHERE id = $1`, id, tag)
	return err
}

func (s *PostgresStore) UpdateVersionStats(ctx context.Context, id string, executionCount int, successRate int, avgDuration int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_versions SET execution_count = $2, success_rate = $3, avg_duration = $4
		WHERE id = $1
	`, id, executionCount, successRate, avgDuration)
	return err
}

// --- JSONB Helpers ---

func unmarshalJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
