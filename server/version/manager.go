// Package version implements workflow version snapshots: immutable captures
// of a workflow's graph and agents, structural diffs between captures,
// restore, tagging and rolling execution statistics.
package version

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/agentloom/server/observability"
	"github.com/agentloom/agentloom/server/store"
)

var (
	ErrWorkflowNotFound = errors.New("Workflow not found")
	ErrVersionNotFound  = errors.New("Version not found")
	ErrWrongWorkflow    = errors.New("Version does not belong to this workflow")
	ErrVersionsNotFound = errors.New("One or both versions not found")
)

// Manager is the snapshot engine. All state lives in the store; the manager
// is stateless and safe for concurrent use.
type Manager struct {
	store store.Store
	now   func() time.Time
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st, now: time.Now}
}

// CreateVersion captures the workflow's current graph and agents as a new
// immutable version. The snapshot is a deep copy; later edits to the live
// workflow never leak into it.
func (m *Manager) CreateVersion(ctx context.Context, workflowID string, userID string, commitMessage string) (*store.WorkflowVersion, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}

	agents, err := m.store.ListAgents(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load agents for workflow %s: %w", workflowID, err)
	}

	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load versions for workflow %s: %w", workflowID, err)
	}

	number := 1
	parentID := ""
	if len(versions) > 0 {
		// ListVersions is ordered by version descending.
		number = versions[0].Version + 1
		parentID = versions[0].ID
	}

	if commitMessage == "" {
		commitMessage = fmt.Sprintf("Version %d", number)
	}

	v := &store.WorkflowVersion{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		Version:         number,
		CommitMessage:   commitMessage,
		CreatedBy:       userID,
		Data:            snapshot(wf, agents),
		ParentVersionID: parentID,
		CreatedAt:       m.now(),
	}
	if err := m.store.InsertVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("insert version %d for workflow %s: %w", number, workflowID, err)
	}

	observability.VersionOperations.WithLabelValues("create").Inc()
	return v, nil
}

// GetVersions returns all versions of the workflow, newest first.
func (m *Manager) GetVersions(ctx context.Context, workflowID string) ([]*store.WorkflowVersion, error) {
	return m.store.ListVersions(ctx, workflowID)
}

// GetVersion returns the version or nil when it does not exist.
func (m *Manager) GetVersion(ctx context.Context, id string) (*store.WorkflowVersion, error) {
	return m.store.GetVersion(ctx, id)
}

// RestoreVersion overwrites the live workflow from the snapshot and records
// the restoration as a new version. History is only ever appended to.
func (m *Manager) RestoreVersion(ctx context.Context, workflowID string, versionID string, userID string) (*store.WorkflowVersion, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", versionID, err)
	}
	if v == nil {
		return nil, ErrVersionNotFound
	}
	if v.WorkflowID != workflowID {
		return nil, ErrWrongWorkflow
	}

	data := cloneData(v.Data)
	if err := m.store.UpdateWorkflowGraph(ctx, workflowID, data.Name, data.Description, data.Nodes, data.Edges); err != nil {
		return nil, fmt.Errorf("restore workflow %s graph: %w", workflowID, err)
	}

	agents := make([]*store.AgentConfig, len(data.Agents))
	for i := range data.Agents {
		agents[i] = &data.Agents[i]
	}
	if err := m.store.ReplaceAgents(ctx, workflowID, agents); err != nil {
		return nil, fmt.Errorf("restore workflow %s agents: %w", workflowID, err)
	}

	restored, err := m.CreateVersion(ctx, workflowID, userID, fmt.Sprintf("Restored from version %d", v.Version))
	if err != nil {
		return nil, err
	}

	observability.VersionOperations.WithLabelValues("restore").Inc()
	return restored, nil
}

// TagVersion overwrites the version's tag. Tags are free text and carry no
// uniqueness constraint.
func (m *Manager) TagVersion(ctx context.Context, versionID string, tag string) error {
	if err := m.store.UpdateVersionTag(ctx, versionID, tag); err != nil {
		return fmt.Errorf("tag version %s: %w", versionID, err)
	}
	observability.VersionOperations.WithLabelValues("tag").Inc()
	return nil
}

// UpdateVersionStats folds one execution outcome into the latest version's
// cumulative running statistics. No-op when the workflow has no versions.
func (m *Manager) UpdateVersionStats(ctx context.Context, workflowID string, success bool, durationMs int) error {
	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load versions for workflow %s: %w", workflowID, err)
	}
	if len(versions) == 0 {
		return nil
	}
	latest := versions[0]

	oldCount := latest.ExecutionCount
	newCount := oldCount + 1

	successes := float64(latest.SuccessRate) / 100 * float64(oldCount)
	if success {
		successes++
	}
	newRate := int(math.Round(successes / float64(newCount) * 100))

	totalDuration := float64(latest.AvgDuration)*float64(oldCount) + float64(durationMs)
	newAvg := int(math.Round(totalDuration / float64(newCount)))

	if err := m.store.UpdateVersionStats(ctx, latest.ID, newCount, newRate, newAvg); err != nil {
		return fmt.Errorf("update stats for version %s: %w", latest.ID, err)
	}
	observability.VersionOperations.WithLabelValues("stats").Inc()
	return nil
}

// ExportVersion returns the stored snapshot as a standalone workflow
// document.
func (m *Manager) ExportVersion(ctx context.Context, versionID string) (*store.WorkflowData, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", versionID, err)
	}
	if v == nil {
		return nil, ErrVersionNotFound
	}
	data := cloneData(v.Data)
	observability.VersionOperations.WithLabelValues("export").Inc()
	return &data, nil
}

// snapshot deep-copies the live workflow and agents into frozen version
// data.
func snapshot(wf *store.Workflow, agents []*store.AgentConfig) store.WorkflowData {
	frozen := make([]store.AgentConfig, len(agents))
	for i, a := range agents {
		frozen[i] = *a
	}
	return cloneData(store.WorkflowData{
		Nodes:       wf.Nodes,
		Edges:       wf.Edges,
		Agents:      frozen,
		Name:        wf.Name,
		Description: wf.Description,
	})
}
