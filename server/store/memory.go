package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all engine state in process memory. It implements the
// Store interface and is used by tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	workflows map[string]*Workflow
	agents    map[string][]*AgentConfig // workflowID -> agents
	webhooks  map[string]*Webhook
	callLogs  map[string]*CallRing // webhookID -> rolling log
	versions  map[string]*WorkflowVersion
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*Schedule),
		workflows: make(map[string]*Workflow),
		agents:    make(map[string][]*AgentConfig),
		webhooks:  make(map[string]*Webhook),
		callLogs:  make(map[string]*CallRing),
		versions:  make(map[string]*WorkflowVersion),
	}
}

// --- Schedule Operations ---

func (s *MemoryStore) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if sch.Enabled {
			result = append(result, copySchedule(sch))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return copySchedule(sch), nil
}

func (s *MemoryStore) UpdateScheduleLastRun(ctx context.Context, id string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[id]
	if !ok {
		return nil
	}
	t := lastRun
	sch.LastRun = &t
	sch.UpdatedAt = lastRun
	return nil
}

// PutSchedule inserts or replaces a schedule row. Used by the CRUD surface
// and by tests; the engine itself never calls it.
func (s *MemoryStore) PutSchedule(sch *Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sch.ID] = copySchedule(sch)
}

// DeleteSchedule removes a schedule row.
func (s *MemoryStore) DeleteSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
}

// --- Workflow Operations ---

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) UpdateWorkflowGraph(ctx context.Context, id string, name string, description string, nodes []Node, edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil
	}
	wf.Name = name
	wf.Description = description
	wf.Nodes = copyNodes(nodes)
	wf.Edges = copyEdges(edges)
	wf.UpdatedAt = time.Now()
	return nil
}

// PutWorkflow inserts or replaces a workflow row.
func (s *MemoryStore) PutWorkflow(wf *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = copyWorkflow(wf)
}

// --- Agent Operations ---

func (s *MemoryStore) ListAgents(ctx context.Context, workflowID string) ([]*AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := s.agents[workflowID]
	result := make([]*AgentConfig, 0, len(agents))
	for _, a := range agents {
		result = append(result, copyAgent(a))
	}
	return result, nil
}

func (s *MemoryStore) ReplaceAgents(ctx context.Context, workflowID string, agents []*AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := make([]*AgentConfig, 0, len(agents))
	for _, a := range agents {
		c := copyAgent(a)
		c.WorkflowID = workflowID
		replacement = append(replacement, c)
	}
	s.agents[workflowID] = replacement
	return nil
}

// --- Webhook Operations ---

func (s *MemoryStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, nil
	}
	return s.copyWebhookLocked(w), nil
}

func (s *MemoryStore) GetWebhookByWorkflow(ctx context.Context, workflowID string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.webhooks {
		if w.WorkflowID == workflowID {
			return s.copyWebhookLocked(w), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertWebhook(ctx context.Context, w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.copyWebhookLocked(w)
	s.webhooks[w.ID] = c
	s.callLogs[w.ID] = NewCallRing(w.CallLog)
	return nil
}

func (s *MemoryStore) SetWebhookEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.webhooks[id]; ok {
		w.Enabled = enabled
	}
	return nil
}

func (s *MemoryStore) UpdateWebhookSecret(ctx context.Context, id string, secretKey string, webhookURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil
	}
	w.SecretKey = secretKey
	w.WebhookURL = webhookURL
	return nil
}

func (s *MemoryStore) RecordWebhookTrigger(ctx context.Context, id string, triggeredAt time.Time, call WebhookCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil
	}
	w.TriggerCount++
	t := triggeredAt
	w.LastTriggeredAt = &t

	ring, ok := s.callLogs[id]
	if !ok {
		ring = NewCallRing(nil)
		s.callLogs[id] = ring
	}
	ring.Push(call)
	return nil
}

// copyWebhookLocked materializes the rolling log from the ring so callers
// always observe a consistent snapshot. Caller holds at least a read lock.
func (s *MemoryStore) copyWebhookLocked(w *Webhook) *Webhook {
	c := *w
	c.IPWhitelist = append([]string(nil), w.IPWhitelist...)
	if w.PayloadTransformer != nil {
		c.PayloadTransformer = make(map[string]string, len(w.PayloadTransformer))
		for k, v := range w.PayloadTransformer {
			c.PayloadTransformer[k] = v
		}
	}
	if w.LastTriggeredAt != nil {
		t := *w.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	if ring, ok := s.callLogs[w.ID]; ok {
		c.CallLog = ring.Calls()
	} else {
		c.CallLog = append([]WebhookCall(nil), w.CallLog...)
	}
	return &c
}

// --- Version Operations ---

func (s *MemoryStore) InsertVersion(ctx context.Context, v *WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[v.ID] = copyVersion(v)
	return nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WorkflowVersion, 0)
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			result = append(result, copyVersion(v))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	return result, nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	return copyVersion(v), nil
}

func (s *MemoryStore) UpdateVersionTag(ctx context.Context, id string, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.versions[id]; ok {
		v.Tag = tag
	}
	return nil
}

func (s *MemoryStore) UpdateVersionStats(ctx context.Context, id string, executionCount int, successRate int, avgDuration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.versions[id]; ok {
		v.ExecutionCount = executionCount
		v.SuccessRate = successRate
		v.AvgDuration = avgDuration
	}
	return nil
}

// --- Copy Helpers ---

func copySchedule(sch *Schedule) *Schedule {
	c := *sch
	if sch.LastRun != nil {
		t := *sch.LastRun
		c.LastRun = &t
	}
	return &c
}

func copyWorkflow(wf *Workflow) *Workflow {
	c := *wf
	c.Nodes = copyNodes(wf.Nodes)
	c.Edges = copyEdges(wf.Edges)
	return &c
}

func copyNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Data = copyJSONMap(n.Data)
	}
	return out
}

func copyEdges(edges []Edge) []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

func copyAgent(a *AgentConfig) *AgentConfig {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}

func copyVersion(v *WorkflowVersion) *WorkflowVersion {
	c := *v
	c.Data = copyWorkflowData(v.Data)
	return &c
}

func copyWorkflowData(d WorkflowData) WorkflowData {
	agents := make([]AgentConfig, len(d.Agents))
	for i, a := range d.Agents {
		agents[i] = *copyAgent(&a)
	}
	return WorkflowData{
		Nodes:       copyNodes(d.Nodes),
		Edges:       copyEdges(d.Edges),
		Agents:      agents,
		Name:        d.Name,
		Description: d.Description,
	}
}

// copyJSONMap deep-copies a decoded JSON tree (maps, slices, scalars).
func copyJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyJSONValue(v)
	}
	return out
}

func copyJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyJSONMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyJSONValue(e)
		}
		return out
	default:
		return val
	}
}
