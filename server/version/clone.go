package version

import "github.com/agentloom/agentloom/server/store"

// cloneData copies version data so snapshots never alias live rows or each
// other. Node data is an arbitrary decoded JSON tree, cloned recursively.
func cloneData(d store.WorkflowData) store.WorkflowData {
	out := store.WorkflowData{
		Name:        d.Name,
		Description: d.Description,
		Nodes:       make([]store.Node, len(d.Nodes)),
		Edges:       make([]store.Edge, len(d.Edges)),
		Agents:      make([]store.AgentConfig, len(d.Agents)),
	}
	for i, n := range d.Nodes {
		out.Nodes[i] = n
		if n.Data != nil {
			out.Nodes[i].Data = cloneTree(n.Data).(map[string]any)
		}
	}
	copy(out.Edges, d.Edges)
	for i, a := range d.Agents {
		out.Agents[i] = a
		out.Agents[i].Capabilities = append([]string(nil), a.Capabilities...)
	}
	return out
}

// cloneTree copies a decoded JSON value (string | number | bool | nil |
// array | map). It is total and side-effect free.
func cloneTree(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneTree(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneTree(e)
		}
		return out
	default:
		return val
	}
}
