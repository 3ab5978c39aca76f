package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lienzo/pulse/pkg/schema"
)

func baseDefinition() schema.GraphDefinition {
	return schema.GraphDefinition{
		WorkflowID: "wf-1",
		Name:       "rag pipeline",
		Nodes: []schema.GraphNode{
			{ID: "n1", TypeTag: "ChatOpenAI"},
			{ID: "n2", TypeTag: "OpenAIEmbeddings"},
		},
		Edges: []schema.GraphEdge{
			{ID: "e1", SourceNodeID: "n1", TargetNodeID: "n2"},
		},
	}
}

func TestDocumentRevisionStartsAtZero(t *testing.T) {
	doc := NewDocument(baseDefinition())
	assert.Equal(t, uint64(0), doc.Revision())
}

func TestDocumentMutationsBumpRevision(t *testing.T) {
	doc := NewDocument(baseDefinition())

	doc.UpsertNode(schema.GraphNode{ID: "n3", TypeTag: "Tool"})
	assert.Equal(t, uint64(1), doc.Revision())

	require.NoError(t, doc.UpsertEdge(schema.GraphEdge{ID: "e2", SourceNodeID: "n2", TargetNodeID: "n3"}))
	assert.Equal(t, uint64(2), doc.Revision())

	doc.Rename("renamed")
	assert.Equal(t, uint64(3), doc.Revision())

	// No-op rename does not dirty the document.
	doc.Rename("renamed")
	assert.Equal(t, uint64(3), doc.Revision())
}

func TestDocumentRemoveNodePrunesEdges(t *testing.T) {
	doc := NewDocument(baseDefinition())

	require.True(t, doc.RemoveNode("n2"))

	def := doc.Definition()
	assert.Len(t, def.Nodes, 1)
	assert.Empty(t, def.Edges, "edge to the removed node must not survive")
}

func TestDocumentRemoveMissingNode(t *testing.T) {
	doc := NewDocument(baseDefinition())
	rev := doc.Revision()

	assert.False(t, doc.RemoveNode("ghost"))
	assert.Equal(t, rev, doc.Revision())
}

func TestDocumentUpsertEdgeRejectsMissingEndpoint(t *testing.T) {
	doc := NewDocument(baseDefinition())

	err := doc.UpsertEdge(schema.GraphEdge{ID: "e2", SourceNodeID: "n1", TargetNodeID: "ghost"})

	require.Error(t, err)
	var perr *schema.PulseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
	assert.Equal(t, uint64(0), doc.Revision())
}

func TestDocumentUpsertNodeReplacesExisting(t *testing.T) {
	doc := NewDocument(baseDefinition())

	doc.UpsertNode(schema.GraphNode{ID: "n1", TypeTag: "ChatAnthropic"})

	def := doc.Definition()
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "ChatAnthropic", def.Nodes[0].TypeTag)
}

func TestDocumentReplacePrunesDanglingEdges(t *testing.T) {
	doc := NewDocument(schema.GraphDefinition{})

	doc.Replace(schema.GraphDefinition{
		Nodes: []schema.GraphNode{{ID: "a"}},
		Edges: []schema.GraphEdge{
			{ID: "ok", SourceNodeID: "a", TargetNodeID: "a"},
			{ID: "dangling", SourceNodeID: "a", TargetNodeID: "gone"},
		},
	})

	def := doc.Definition()
	require.Len(t, def.Edges, 1)
	assert.Equal(t, "ok", def.Edges[0].ID)
	assert.Equal(t, uint64(1), doc.Revision())
}

func TestDocumentDefinitionIsACopy(t *testing.T) {
	doc := NewDocument(baseDefinition())

	def := doc.Definition()
	def.Nodes[0].TypeTag = "mutated"
	def.Name = "mutated"

	fresh := doc.Definition()
	assert.Equal(t, "ChatOpenAI", fresh.Nodes[0].TypeTag)
	assert.Equal(t, "rag pipeline", fresh.Name)
}

func TestDocumentSetWorkflowIDDoesNotDirty(t *testing.T) {
	doc := NewDocument(schema.GraphDefinition{})

	doc.SetWorkflowID("wf-9")

	assert.Equal(t, "wf-9", doc.WorkflowID())
	assert.Equal(t, uint64(0), doc.Revision())
}
