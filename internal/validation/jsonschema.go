// Package validation checks graph definitions before they are executed or
// persisted.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lienzo/pulse/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://lienzo.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "workflow_id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type_tag"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type_tag": {
          "type": "string",
          "minLength": 1
        },
        "alias_name": { "type": "string" },
        "extra": {}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source_node_id", "target_node_id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "source_node_id": {
          "type": "string",
          "minLength": 1
        },
        "target_node_id": {
          "type": "string",
          "minLength": 1
        },
        "source_handle": { "type": "string" },
        "target_handle": { "type": "string" },
        "extra": {}
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks graph definitions against the JSON Schema plus semantic
// rules the schema cannot express. Safe for concurrent use.
type Validator struct {
	graphSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the graph schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://lienzo.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile("https://lienzo.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &Validator{graphSchema: compiled}, nil
}

// ValidateDefinition validates a GraphDefinition: schema shape first, then
// identity and referential integrity.
func (v *Validator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	// Nil slices marshal to JSON null, which the schema's array types reject.
	normalized := *def
	if normalized.Nodes == nil {
		normalized.Nodes = []schema.GraphNode{}
	}
	if normalized.Edges == nil {
		normalized.Edges = []schema.GraphEdge{}
	}

	doc, err := toJSONValue(&normalized)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toPulseError(err)
	}

	return validateSemantics(def)
}

// validateSemantics applies the structural rules JSON Schema cannot express:
// unique node and edge IDs, and edges whose endpoints exist.
func validateSemantics(def *schema.GraphDefinition) error {
	nodeIDs := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, exists := nodeIDs[n.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		nodeIDs[n.ID] = struct{}{}
	}

	edgeIDs := make(map[string]struct{}, len(def.Edges))
	for _, e := range def.Edges {
		if _, exists := edgeIDs[e.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = struct{}{}

		if _, ok := nodeIDs[e.SourceNodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references missing source node %q", e.ID, e.SourceNodeID)
		}
		if _, ok := nodeIDs[e.TargetNodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references missing target node %q", e.ID, e.TargetNodeID)
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPulseError converts a jsonschema.ValidationError into a PulseError with
// one message per violated location.
func toPulseError(err error) *schema.PulseError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
