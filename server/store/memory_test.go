package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetScheduleReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	s.PutSchedule(&Schedule{ID: "sch-1", WorkflowID: "wf-1", CronExpression: "0 9 * * *", Enabled: true})

	a, err := s.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	a.CronExpression = "mutated"

	b, err := s.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", b.CronExpression)
}

func TestGetScheduleMissing(t *testing.T) {
	s := NewMemoryStore()
	sch, err := s.GetSchedule(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, sch)
}

func TestListEnabledSchedules(t *testing.T) {
	s := NewMemoryStore()
	s.PutSchedule(&Schedule{ID: "b", Enabled: true})
	s.PutSchedule(&Schedule{ID: "a", Enabled: true})
	s.PutSchedule(&Schedule{ID: "c", Enabled: false})

	list, err := s.ListEnabledSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestUpdateScheduleLastRun(t *testing.T) {
	s := NewMemoryStore()
	s.PutSchedule(&Schedule{ID: "sch-1", Enabled: true})

	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateScheduleLastRun(context.Background(), "sch-1", ts))

	sch, err := s.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	require.NotNil(t, sch.LastRun)
	assert.Equal(t, ts, *sch.LastRun)
}

func TestWorkflowCopiesDoNotAlias(t *testing.T) {
	s := NewMemoryStore()
	s.PutWorkflow(&Workflow{
		ID:    "wf-1",
		Name:  "Pipeline",
		Nodes: []Node{{ID: "n1", Data: map[string]any{"label": "fetch"}}},
	})

	a, err := s.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	a.Nodes[0].Data["label"] = "mutated"
	a.Nodes[0].ID = "mutated"

	b, err := s.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", b.Nodes[0].ID)
	assert.Equal(t, "fetch", b.Nodes[0].Data["label"])
}

func TestReplaceAgents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ReplaceAgents(ctx, "wf-1", []*AgentConfig{
		{ID: "a1", WorkflowID: "wf-1", Name: "Fetcher"},
		{ID: "a2", WorkflowID: "wf-1", Name: "Writer"},
	}))

	agents, err := s.ListAgents(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	// Replacement is total, not a merge.
	require.NoError(t, s.ReplaceAgents(ctx, "wf-1", []*AgentConfig{
		{ID: "a3", WorkflowID: "wf-1", Name: "Reviewer"},
	}))
	agents, err = s.ListAgents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a3", agents[0].ID)
}

func TestRecordWebhookTrigger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertWebhook(ctx, &Webhook{ID: "wh-1", WorkflowID: "wf-1", Enabled: true}))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < CallLogCapacity+3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		err := s.RecordWebhookTrigger(ctx, "wh-1", ts, WebhookCall{
			Timestamp:   ts,
			Success:     true,
			ExecutionID: fmt.Sprintf("exec-%d", i),
		})
		require.NoError(t, err)
	}

	w, err := s.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(CallLogCapacity+3), w.TriggerCount)
	require.NotNil(t, w.LastTriggeredAt)
	assert.Equal(t, base.Add(time.Duration(CallLogCapacity+2)*time.Minute), *w.LastTriggeredAt)

	require.Len(t, w.CallLog, CallLogCapacity)
	assert.Equal(t, fmt.Sprintf("exec-%d", CallLogCapacity+2), w.CallLog[0].ExecutionID)
	assert.Equal(t, "exec-3", w.CallLog[CallLogCapacity-1].ExecutionID)
}

func TestUpdateWebhookSecret(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertWebhook(ctx, &Webhook{
		ID: "wh-1", WorkflowID: "wf-1", SecretKey: "old", WebhookURL: "http://x/old", Enabled: true,
	}))

	require.NoError(t, s.UpdateWebhookSecret(ctx, "wh-1", "new", "http://x/new"))

	w, err := s.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, "new", w.SecretKey)
	assert.Equal(t, "http://x/new", w.WebhookURL)
}

func TestGetWebhookByWorkflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertWebhook(ctx, &Webhook{ID: "wh-1", WorkflowID: "wf-1"}))

	w, err := s.GetWebhookByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "wh-1", w.ID)

	w, err = s.GetWebhookByWorkflow(ctx, "wf-other")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestVersionOrderingAndUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.InsertVersion(ctx, &WorkflowVersion{
			ID: fmt.Sprintf("v-%d", i), WorkflowID: "wf-1", Version: i,
		}))
	}

	versions, err := s.ListVersions(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
	assert.Equal(t, 1, versions[2].Version)

	require.NoError(t, s.UpdateVersionTag(ctx, "v-2", "stable"))
	require.NoError(t, s.UpdateVersionStats(ctx, "v-2", 5, 80, 1200))

	v, err := s.GetVersion(ctx, "v-2")
	require.NoError(t, err)
	assert.Equal(t, "stable", v.Tag)
	assert.Equal(t, 5, v.ExecutionCount)
	assert.Equal(t, 80, v.SuccessRate)
	assert.Equal(t, 1200, v.AvgDuration)
}
