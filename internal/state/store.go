// Package state holds the per-session execution view of the graph: node and
// edge statuses plus the active sets that drive run animation. It is the
// single source of truth the rendering layer reads.
package state

import (
	"sync"
	"time"

	"github.com/lienzo/pulse/pkg/schema"
)

// defaultDecayDelay keeps the final highlight visible briefly after a run
// completes before the active sets are cleared.
const defaultDecayDelay = 800 * time.Millisecond

// Store is the graph execution state store. Every mutation corresponds to
// one resolved event and is atomic: no partial update is observable between
// two events. Mutated only by the session controller; read by everyone.
type Store struct {
	mu sync.Mutex

	snap *schema.GraphSnapshot

	nodeStatus  map[string]schema.NodeStatus
	edgeStatus  map[string]schema.NodeStatus
	activeNodes map[string]bool
	activeEdges map[string]bool

	lastActiveNode string
	lastActiveEdge string

	// generation invalidates pending decay timers when a new session starts;
	// completed absorbs duplicate complete events within a session.
	generation uint64
	completed  bool

	decayDelay time.Duration
	decayTimer *time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithDecayDelay overrides the active-set decay delay applied on completion.
// A zero delay clears the active sets synchronously.
func WithDecayDelay(d time.Duration) Option {
	return func(s *Store) { s.decayDelay = d }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{decayDelay: defaultDecayDelay}
	for _, opt := range opts {
		opt(s)
	}
	s.reset(nil)
	return s
}

// BeginSession discards all state from any prior session and binds the store
// to the given graph snapshot for incoming-edge computation.
func (s *Store) BeginSession(snap *schema.GraphSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(snap)
}

// reset must be called with s.mu held (or before the store is shared).
func (s *Store) reset(snap *schema.GraphSnapshot) {
	if s.decayTimer != nil {
		s.decayTimer.Stop()
		s.decayTimer = nil
	}
	s.generation++
	s.completed = false
	s.snap = snap
	s.nodeStatus = make(map[string]schema.NodeStatus)
	s.edgeStatus = make(map[string]schema.NodeStatus)
	s.activeNodes = make(map[string]bool)
	s.activeEdges = make(map[string]bool)
	s.lastActiveNode = ""
	s.lastActiveEdge = ""
}

// OnNodeStart marks nodeID pending and makes it the sole in-flight node.
// Its incoming edges become pending and replace the active edge set.
func (s *Store) OnNodeStart(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeStatus[nodeID] = schema.StatusPending
	s.activeNodes = map[string]bool{nodeID: true}
	s.lastActiveNode = nodeID

	s.activeEdges = make(map[string]bool)
	for _, e := range s.incomingEdges(nodeID) {
		s.edgeStatus[e.ID] = schema.StatusPending
		s.activeEdges[e.ID] = true
		s.lastActiveEdge = e.ID
	}
}

// OnNodeEnd marks nodeID and its incoming edges successful. Active-set
// membership is untouched; highlighting decays on completion or on the next
// node start.
func (s *Store) OnNodeEnd(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeStatus[nodeID] = schema.StatusSuccess
	for _, e := range s.incomingEdges(nodeID) {
		s.edgeStatus[e.ID] = schema.StatusSuccess
	}
}

// OnError marks nodeID failed, falling back to the most recently active node
// when nodeID is empty. The failed node's incoming edges (or, absent those,
// the most recently active edge) are marked failed as well.
func (s *Store) OnError(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nodeID == "" {
		nodeID = s.lastActiveNode
	}
	if nodeID == "" {
		return
	}

	s.nodeStatus[nodeID] = schema.StatusFailed
	incoming := s.incomingEdges(nodeID)
	for _, e := range incoming {
		s.edgeStatus[e.ID] = schema.StatusFailed
	}
	if len(incoming) == 0 && s.lastActiveEdge != "" {
		s.edgeStatus[s.lastActiveEdge] = schema.StatusFailed
	}
}

// OnComplete clears the active sets after the decay delay, leaving the final
// pass/fail coloring in place until the next session. Duplicate calls within
// one session are no-ops.
func (s *Store) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return
	}
	s.completed = true

	if s.decayDelay <= 0 {
		s.clearActiveLocked()
		return
	}

	gen := s.generation
	s.decayTimer = time.AfterFunc(s.decayDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return // a new session started meanwhile
		}
		s.clearActiveLocked()
	})
}

func (s *Store) clearActiveLocked() {
	s.activeNodes = make(map[string]bool)
	s.activeEdges = make(map[string]bool)
}

// ClearFailures resets every failed node and edge back to unset. Used when
// the user dismisses the error surface so stale failure coloring disappears.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.nodeStatus {
		if st == schema.StatusFailed {
			delete(s.nodeStatus, id)
		}
	}
	for id, st := range s.edgeStatus {
		if st == schema.StatusFailed {
			delete(s.edgeStatus, id)
		}
	}
}

// Snapshot returns a deep copy of the current graph state.
func (s *Store) Snapshot() schema.GraphState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return schema.GraphState{
		NodeStatus:    copyStatus(s.nodeStatus),
		EdgeStatus:    copyStatus(s.edgeStatus),
		ActiveNodeIDs: copySet(s.activeNodes),
		ActiveEdgeIDs: copySet(s.activeEdges),
	}
}

// NodeStatus returns nodeID's status and whether it has been touched this
// session.
func (s *Store) NodeStatus(nodeID string) (schema.NodeStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.nodeStatus[nodeID]
	return st, ok
}

// LastActiveNode returns the node most recently marked in-flight.
func (s *Store) LastActiveNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveNode
}

func (s *Store) incomingEdges(nodeID string) []schema.GraphEdge {
	if s.snap == nil {
		return nil
	}
	return s.snap.IncomingEdges(nodeID)
}

func copyStatus(m map[string]schema.NodeStatus) map[string]schema.NodeStatus {
	out := make(map[string]schema.NodeStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
