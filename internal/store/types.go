package store

import (
	"encoding/json"
	"time"

	"github.com/lienzo/pulse/pkg/schema"
)

// Workflow is the persisted representation of a workflow graph.
type Workflow struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	Definition schema.GraphDefinition `json:"definition"`
	LastResult json.RawMessage        `json:"last_result,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// WorkflowUpdate holds the fields an update may change. Nil fields are left
// untouched.
type WorkflowUpdate struct {
	Name       *string                 `json:"name,omitempty"`
	Definition *schema.GraphDefinition `json:"definition,omitempty"`
	LastResult json.RawMessage         `json:"last_result,omitempty"`
}

// WorkflowFilter narrows a ListWorkflows query.
type WorkflowFilter struct {
	Name   string     `json:"name,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}
