package schema

import "encoding/json"

// GraphNode is one unit of computation in the client graph. Identity is ID;
// TypeTag and AliasName exist only for resolving backend node references.
// Extra carries editor-owned fields (position, form config) opaquely so a
// round trip through the persistence layer loses nothing.
type GraphNode struct {
	ID        string          `json:"id"`
	TypeTag   string          `json:"type_tag"`
	AliasName string          `json:"alias_name,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// GraphEdge is a directed connection between two node handles.
type GraphEdge struct {
	ID           string          `json:"id"`
	SourceNodeID string          `json:"source_node_id"`
	TargetNodeID string          `json:"target_node_id"`
	SourceHandle string          `json:"source_handle,omitempty"`
	TargetHandle string          `json:"target_handle,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// GraphSnapshot is an immutable view of the graph taken at session start.
// Node order is the editor's insertion order; resolution iterates it in
// order, which is what makes resolution deterministic.
type GraphSnapshot struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphDefinition is the persisted form of a graph: the snapshot plus the
// identity and naming the workflow storage layer tracks.
type GraphDefinition struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Nodes      []GraphNode    `json:"nodes"`
	Edges      []GraphEdge    `json:"edges"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Snapshot returns the definition's graph content as an immutable snapshot.
func (d *GraphDefinition) Snapshot() *GraphSnapshot {
	nodes := make([]GraphNode, len(d.Nodes))
	copy(nodes, d.Nodes)
	edges := make([]GraphEdge, len(d.Edges))
	copy(edges, d.Edges)
	return &GraphSnapshot{Nodes: nodes, Edges: edges}
}

// PruneEdges removes every edge whose source or target references a node
// that is not in nodes. Returns the surviving edges; order is preserved.
func PruneEdges(edges []GraphEdge, nodes []GraphNode) []GraphEdge {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	kept := edges[:0:0]
	for _, e := range edges {
		if ids[e.SourceNodeID] && ids[e.TargetNodeID] {
			kept = append(kept, e)
		}
	}
	return kept
}

// IncomingEdges returns the edges whose target is nodeID, in snapshot order.
func (s *GraphSnapshot) IncomingEdges(nodeID string) []GraphEdge {
	var in []GraphEdge
	for _, e := range s.Edges {
		if e.TargetNodeID == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Node returns the node with the given ID, or nil.
func (s *GraphSnapshot) Node(id string) *GraphNode {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}
