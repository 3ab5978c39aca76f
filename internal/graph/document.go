// Package graph holds the editable workflow definition the editor mutates
// and the execution layer snapshots.
package graph

import (
	"sync"

	"github.com/lienzo/pulse/pkg/schema"
)

// Document is the in-memory working copy of a workflow definition. Every
// mutation bumps the revision counter; persistence layers compare revisions
// to decide whether a save is needed. Safe for concurrent use.
type Document struct {
	mu  sync.RWMutex
	def schema.GraphDefinition
	rev uint64
}

// NewDocument wraps a definition in a fresh document at revision zero.
// The definition is deep-copied so later mutations of the argument do not
// leak into the document.
func NewDocument(def schema.GraphDefinition) *Document {
	return &Document{def: copyDefinition(def)}
}

// Revision reports the current revision. It increases monotonically with
// every mutation and never resets.
func (d *Document) Revision() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rev
}

// Definition returns a deep copy of the current definition.
func (d *Document) Definition() schema.GraphDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyDefinition(d.def)
}

// Snapshot returns an immutable execution snapshot of the current nodes and
// edges.
func (d *Document) Snapshot() *schema.GraphSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.def.Snapshot()
}

// WorkflowID returns the persisted identity of this document, or "" for an
// unsaved draft.
func (d *Document) WorkflowID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.def.WorkflowID
}

// SetWorkflowID binds the document to a persisted workflow. Does not bump
// the revision: assigning identity is bookkeeping, not content.
func (d *Document) SetWorkflowID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.def.WorkflowID = id
}

// Rename sets the workflow display name.
func (d *Document) Rename(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.def.Name == name {
		return
	}
	d.def.Name = name
	d.rev++
}

// UpsertNode adds the node, or replaces the node with the same ID.
func (d *Document) UpsertNode(n schema.GraphNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.def.Nodes {
		if d.def.Nodes[i].ID == n.ID {
			d.def.Nodes[i] = n
			d.rev++
			return
		}
	}
	d.def.Nodes = append(d.def.Nodes, n)
	d.rev++
}

// RemoveNode deletes the node and every edge touching it, so no dangling
// edge survives the mutation. Reports whether the node existed.
func (d *Document) RemoveNode(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i := range d.def.Nodes {
		if d.def.Nodes[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	d.def.Nodes = append(d.def.Nodes[:idx], d.def.Nodes[idx+1:]...)
	d.def.Edges = schema.PruneEdges(d.def.Edges, d.def.Nodes)
	d.rev++
	return true
}

// UpsertEdge adds the edge, or replaces the edge with the same ID. Edges
// referencing a missing endpoint are rejected rather than stored dangling.
func (d *Document) UpsertEdge(e schema.GraphEdge) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasNode(e.SourceNodeID) || !d.hasNode(e.TargetNodeID) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"edge %q references a missing node", e.ID)
	}
	for i := range d.def.Edges {
		if d.def.Edges[i].ID == e.ID {
			d.def.Edges[i] = e
			d.rev++
			return nil
		}
	}
	d.def.Edges = append(d.def.Edges, e)
	d.rev++
	return nil
}

// RemoveEdge deletes the edge. Reports whether it existed.
func (d *Document) RemoveEdge(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.def.Edges {
		if d.def.Edges[i].ID == id {
			d.def.Edges = append(d.def.Edges[:i], d.def.Edges[i+1:]...)
			d.rev++
			return true
		}
	}
	return false
}

// Replace swaps in a whole new definition, e.g. after loading from the
// store. The revision still bumps: the content changed.
func (d *Document) Replace(def schema.GraphDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.def = copyDefinition(def)
	d.def.Edges = schema.PruneEdges(d.def.Edges, d.def.Nodes)
	d.rev++
}

func (d *Document) hasNode(id string) bool {
	for i := range d.def.Nodes {
		if d.def.Nodes[i].ID == id {
			return true
		}
	}
	return false
}

func copyDefinition(def schema.GraphDefinition) schema.GraphDefinition {
	out := def
	out.Nodes = append([]schema.GraphNode(nil), def.Nodes...)
	out.Edges = append([]schema.GraphEdge(nil), def.Edges...)
	if def.Metadata != nil {
		out.Metadata = make(map[string]any, len(def.Metadata))
		for k, v := range def.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
