package schema

import "encoding/json"

// Wire discriminants for the execution event stream.
const (
	EventNodeStart = "node_start"
	EventNodeEnd   = "node_end"
	EventError     = "error"
	EventComplete  = "complete"
)

// ExecutionEvent is the closed union of events a backend emits during a run.
// Unknown discriminants are dropped at the decoder, so every value that
// crosses this interface is one of the four variants below.
type ExecutionEvent interface {
	Kind() string
}

// NodeStartEvent signals that the backend began executing a unit of work.
type NodeStartEvent struct {
	NodeRef  string          `json:"node_ref"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (*NodeStartEvent) Kind() string { return EventNodeStart }

// NodeEndEvent signals that a unit of work finished successfully.
type NodeEndEvent struct {
	NodeRef string `json:"node_ref"`
}

func (*NodeEndEvent) Kind() string { return EventNodeEnd }

// ErrorEvent is a backend-reported execution failure.
type ErrorEvent struct {
	NodeRef    string `json:"node_ref,omitempty"`
	Message    string `json:"message"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

func (*ErrorEvent) Kind() string { return EventError }

// CompleteEvent terminates a run. Result holds the backend's final value in
// whatever shape the backend chose; NodeOutputs are kept raw so nothing is
// lost when the value is handed back to the persistence layer.
type CompleteEvent struct {
	ExecutionID string                     `json:"execution_id,omitempty"`
	Result      any                        `json:"result,omitempty"`
	NodeOutputs map[string]json.RawMessage `json:"node_outputs,omitempty"`
	SessionRef  string                     `json:"session_ref,omitempty"`
}

func (*CompleteEvent) Kind() string { return EventComplete }

// NodeStatus is the execution status of a node or edge within one session.
// Absence of an entry means the element has not been touched this run.
type NodeStatus string

const (
	StatusPending NodeStatus = "pending"
	StatusSuccess NodeStatus = "success"
	StatusFailed  NodeStatus = "failed"
)

// SessionPhase is the lifecycle state of one execution session.
type SessionPhase string

const (
	PhaseIdle      SessionPhase = "idle"
	PhaseStarting  SessionPhase = "starting"
	PhaseStreaming SessionPhase = "streaming"
	PhaseCompleted SessionPhase = "completed"
	PhaseFailed    SessionPhase = "failed"
	PhaseCancelled SessionPhase = "cancelled"
)

// Terminal reports whether the phase is an end state of a session.
func (p SessionPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// AutoSaveStatus is the lifecycle state of the auto-save scheduler.
type AutoSaveStatus string

const (
	AutoSaveIdle   AutoSaveStatus = "idle"
	AutoSaveSaving AutoSaveStatus = "saving"
	AutoSaveSaved  AutoSaveStatus = "saved"
	AutoSaveError  AutoSaveStatus = "error"
)

// GraphState is the per-session execution view the rendering layer reads:
// pass/fail coloring plus the active ("in flight") sets that drive animation.
type GraphState struct {
	NodeStatus    map[string]NodeStatus `json:"node_status"`
	EdgeStatus    map[string]NodeStatus `json:"edge_status"`
	ActiveNodeIDs map[string]bool       `json:"active_node_ids"`
	ActiveEdgeIDs map[string]bool       `json:"active_edge_ids"`
}
