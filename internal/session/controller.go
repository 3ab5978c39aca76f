package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lienzo/pulse/internal/backend"
	"github.com/lienzo/pulse/internal/logging"
	"github.com/lienzo/pulse/internal/resolve"
	"github.com/lienzo/pulse/internal/state"
	"github.com/lienzo/pulse/internal/stream"
	"github.com/lienzo/pulse/pkg/schema"
)

// Backend is the execution engine contract the controller consumes.
// Satisfied by backend.Client.
type Backend interface {
	OpenStream(ctx context.Context, snap *schema.GraphSnapshot, input map[string]any) (io.ReadCloser, error)
	Execute(ctx context.Context, snap *schema.GraphSnapshot, input map[string]any) (*schema.CompleteEvent, error)
}

// validPhaseTransitions defines the allowed session lifecycle transitions.
var validPhaseTransitions = map[schema.SessionPhase][]schema.SessionPhase{
	schema.PhaseIdle:      {schema.PhaseStarting},
	schema.PhaseStarting:  {schema.PhaseStreaming, schema.PhaseCompleted, schema.PhaseFailed, schema.PhaseCancelled},
	schema.PhaseStreaming: {schema.PhaseCompleted, schema.PhaseFailed, schema.PhaseCancelled},
	schema.PhaseCompleted: {},
	schema.PhaseFailed:    {},
	schema.PhaseCancelled: {},
}

func isValidPhaseTransition(from, to schema.SessionPhase) bool {
	for _, p := range validPhaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// run is one execution attempt. Its phase is guarded by its own mutex so the
// pump goroutine and controller callers never race.
type run struct {
	id    string
	snap  *schema.GraphSnapshot
	input map[string]any

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	phase        schema.SessionPhase
	result       any
	lastErr      *schema.ErrorEvent
	lastErrNode  string
	completed    bool
	fallbackUsed bool
}

func (r *run) transition(to schema.SessionPhase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isValidPhaseTransition(r.phase, to) {
		return false
	}
	r.phase = to
	return true
}

func (r *run) currentPhase() schema.SessionPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Controller owns the lifecycle of execution sessions. At most one session
// is non-terminal at a time; starting a new one cancels the previous reader
// without waiting for it to drain.
type Controller struct {
	backend   Backend
	states    *state.Store
	resolver  *resolve.Resolver
	hub       *Hub
	extractor *backend.ResultExtractor
	logger    *slog.Logger

	mu      sync.Mutex
	current *run
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithResolver replaces the default node resolver.
func WithResolver(r *resolve.Resolver) ControllerOption {
	return func(c *Controller) { c.resolver = r }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithResultExtractor sets the jq extractor applied to complete payloads.
func WithResultExtractor(e *backend.ResultExtractor) ControllerOption {
	return func(c *Controller) { c.extractor = e }
}

// NewController creates a Controller mutating the given state store.
func NewController(b Backend, states *state.Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend:  b,
		states:   states,
		resolver: resolve.New(),
		hub:      NewHub(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hub returns the notification hub consumers subscribe to.
func (c *Controller) Hub() *Hub { return c.hub }

// Start begins a new execution session for the given graph snapshot and
// input payload. Any prior non-terminal session is cancelled first, and all
// of its state is discarded before the new session's first event applies.
func (c *Controller) Start(ctx context.Context, snap *schema.GraphSnapshot, input map[string]any) (string, error) {
	if snap == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "graph snapshot is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     uuid.NewString(),
		snap:   snap,
		input:  input,
		cancel: cancel,
		done:   make(chan struct{}),
		phase:  schema.PhaseStarting,
	}
	c.current = r

	c.states.BeginSession(snap)

	runCtx = logging.WithSessionID(runCtx, r.id)
	_ = c.hub.Publish(runCtx, Notification{SessionID: r.id, Kind: NoteSessionStarted})

	go c.pump(runCtx, r)
	return r.id, nil
}

// Cancel aborts the current session, if any, without waiting for the stream
// reader to drain.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// cancelLocked must be called with c.mu held.
func (c *Controller) cancelLocked() {
	if c.current == nil {
		return
	}
	if !c.current.currentPhase().Terminal() {
		c.current.transition(schema.PhaseCancelled)
	}
	c.current.cancel()
}

// Phase reports the current session's phase, or idle when none exists.
func (c *Controller) Phase() schema.SessionPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return schema.PhaseIdle
	}
	return c.current.currentPhase()
}

// SessionID returns the current session's ID, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Done returns a channel closed when the current session's pump exits.
// Returns a closed channel when no session exists.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

// Result returns the recorded run result, if the session completed.
func (c *Controller) Result() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	c.current.mu.Lock()
	defer c.current.mu.Unlock()
	return c.current.result
}

// LastError returns the most recent backend-reported error, or nil.
func (c *Controller) LastError() *schema.ErrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	c.current.mu.Lock()
	defer c.current.mu.Unlock()
	return c.current.lastErr
}

// DismissError clears the error surface: the stored error and every failed
// status, so the graph no longer shows stale failure coloring.
func (c *Controller) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.mu.Lock()
		c.current.lastErr = nil
		c.current.lastErrNode = ""
		c.current.mu.Unlock()
	}
	c.states.ClearFailures()
}

// Retry re-runs the current session's graph. When the last backend error
// carried a resolvable node reference, its node ID is handed to the backend
// as the resume point; otherwise the whole run restarts.
func (c *Controller) Retry(ctx context.Context) (string, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return "", schema.NewError(schema.ErrCodeNotFound, "no session to retry")
	}

	cur.mu.Lock()
	snap, input, failedNode := cur.snap, cur.input, cur.lastErrNode
	cur.mu.Unlock()

	if failedNode != "" {
		retryInput := make(map[string]any, len(input)+1)
		for k, v := range input {
			retryInput[k] = v
		}
		retryInput["start_from"] = failedNode
		input = retryInput
	}
	return c.Start(ctx, snap, input)
}

// pump drives one session: frames through decode, resolve, and state store,
// strictly in arrival order, until the stream ends or the context cancels.
func (c *Controller) pump(ctx context.Context, r *run) {
	defer close(r.done)
	// Release the run context on exit so the body-close watcher below does
	// not outlive the session.
	defer r.cancel()

	logger := logging.LogWith(ctx, c.logger)

	body, err := c.backend.OpenStream(ctx, r.snap, r.input)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("stream open aborted by cancellation")
			return
		}
		logger.Warn("stream open failed, trying degraded mode", slog.String("error", err.Error()))
		c.fallback(ctx, r, logger)
		return
	}
	defer body.Close()

	// Release the reader handle as soon as the session is cancelled so no
	// open connection leaks while a blocked read waits for the next chunk.
	go func() {
		<-ctx.Done()
		body.Close()
	}()

	if !r.transition(schema.PhaseStreaming) {
		// Cancelled between open and first frame.
		return
	}

	scanner := stream.NewFrameScanner(body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		ev, ok := stream.DecodeFrame(scanner.Frame())
		if !ok {
			logger.Debug("dropping undecodable frame")
			continue
		}
		c.apply(ctx, r, ev, logger)
	}

	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	completed := r.completed
	var backendErrMsg string
	if r.lastErr != nil {
		backendErrMsg = r.lastErr.Message
	}
	r.mu.Unlock()

	if completed {
		return
	}

	if backendErrMsg != "" {
		// The backend answered with an error event; re-executing in degraded
		// mode would duplicate side effects.
		c.fail(ctx, r, logger, "run failed: "+backendErrMsg)
		return
	}

	// Transport interruption (read error or truncated stream) before a
	// complete frame: one-shot degraded-mode retry.
	if err := scanner.Err(); err != nil {
		logger.Warn("stream interrupted, trying degraded mode", slog.String("error", err.Error()))
	} else {
		logger.Warn("stream ended without completion, trying degraded mode")
	}
	c.fallback(ctx, r, logger)
}

// apply dispatches one decoded event into the state store. Each event is a
// single atomic mutation; no partial update is observable between events.
// The controller mutex is held across the mutation so an in-flight event
// from a superseded session can never touch the new session's state.
func (c *Controller) apply(ctx context.Context, r *run, ev schema.ExecutionEvent, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r {
		return
	}

	switch e := ev.(type) {
	case *schema.NodeStartEvent:
		res, ok := c.resolver.Resolve(e.NodeRef, r.snap)
		if !ok {
			logger.Debug("unresolvable node reference", slog.String("node_ref", e.NodeRef))
			return
		}
		c.states.OnNodeStart(res.NodeID)
		_ = c.hub.Publish(ctx, Notification{SessionID: r.id, Kind: NoteNodeStarted, NodeID: res.NodeID})

	case *schema.NodeEndEvent:
		res, ok := c.resolver.Resolve(e.NodeRef, r.snap)
		if !ok {
			logger.Debug("unresolvable node reference", slog.String("node_ref", e.NodeRef))
			return
		}
		c.states.OnNodeEnd(res.NodeID)
		_ = c.hub.Publish(ctx, Notification{SessionID: r.id, Kind: NoteNodeFinished, NodeID: res.NodeID})

	case *schema.ErrorEvent:
		var nodeID string
		if e.NodeRef != "" {
			if res, ok := c.resolver.Resolve(e.NodeRef, r.snap); ok {
				nodeID = res.NodeID
			}
		}
		c.states.OnError(nodeID)
		r.mu.Lock()
		r.lastErr = e
		r.lastErrNode = nodeID
		r.mu.Unlock()
		_ = c.hub.Publish(ctx, Notification{SessionID: r.id, Kind: NoteBackendError, NodeID: nodeID, Message: e.Message})

	case *schema.CompleteEvent:
		c.completeLocked(ctx, r, e, logger)
	}
}

// complete finalizes a run outside the event pump (degraded mode).
func (c *Controller) complete(ctx context.Context, r *run, e *schema.CompleteEvent, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r {
		return
	}
	c.completeLocked(ctx, r, e, logger)
}

// completeLocked finalizes a successful run. Duplicate complete events are
// absorbed: the first one wins and later ones change nothing.
// Must be called with c.mu held.
func (c *Controller) completeLocked(ctx context.Context, r *run, e *schema.CompleteEvent, logger *slog.Logger) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.mu.Unlock()

	result := e.Result
	if c.extractor != nil {
		if extracted, err := c.extractor.Extract(e.Result); err == nil {
			result = extracted
		} else {
			logger.Debug("result extraction failed, keeping raw result", slog.String("error", err.Error()))
		}
	}

	r.mu.Lock()
	r.result = result
	r.mu.Unlock()

	c.states.OnComplete()
	r.transition(schema.PhaseCompleted)
	_ = c.hub.Publish(ctx, Notification{SessionID: r.id, Kind: NoteRunCompleted, Result: result})
	logger.Info("run completed")
}

// fallback performs the single non-streaming retry permitted per session.
func (c *Controller) fallback(ctx context.Context, r *run, logger *slog.Logger) {
	r.mu.Lock()
	used := r.fallbackUsed
	r.fallbackUsed = true
	r.mu.Unlock()

	if used {
		c.fail(ctx, r, logger, "run failed: degraded mode already attempted")
		return
	}

	result, err := c.backend.Execute(ctx, r.snap, r.input)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(ctx, r, logger, "run failed: "+err.Error())
		return
	}
	c.complete(ctx, r, result, logger)
}

// fail marks the session failed and flags the last active node and edge.
func (c *Controller) fail(ctx context.Context, r *run, logger *slog.Logger, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r {
		return
	}
	c.states.OnError("")
	r.transition(schema.PhaseFailed)
	_ = c.hub.Publish(ctx, Notification{SessionID: r.id, Kind: NoteRunFailed, Message: msg})
	logger.Error("run failed", slog.String("reason", msg))
}
