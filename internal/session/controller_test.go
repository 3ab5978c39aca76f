package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lienzo/pulse/internal/backend"
	"github.com/lienzo/pulse/internal/state"
	"github.com/lienzo/pulse/pkg/schema"
)

// fakeBackend serves scripted stream bodies and sync results.
type fakeBackend struct {
	mu         sync.Mutex
	streams    []io.ReadCloser
	openErr    error
	execResult *schema.CompleteEvent
	execErr    error
	openCalls  int
	execCalls  int
	execInput  map[string]any
	openCtx    context.Context
}

func (f *fakeBackend) OpenStream(ctx context.Context, _ *schema.GraphSnapshot, _ map[string]any) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	f.openCtx = ctx
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.streams) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeBackend) Execute(_ context.Context, _ *schema.GraphSnapshot, input map[string]any) (*schema.CompleteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	f.execInput = input
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeBackend) calls() (open, exec int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls, f.execCalls
}

func stringStream(frames ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(frames, "")))
}

func frame(payload string) string {
	return "data: " + payload + "\n\n"
}

// ragSnapshot: chat -> embeddings, with one edge into the embeddings node.
func ragSnapshot() *schema.GraphSnapshot {
	return &schema.GraphSnapshot{
		Nodes: []schema.GraphNode{
			{ID: "node-chat", TypeTag: "ChatOpenAI"},
			{ID: "node-embed", TypeTag: "OpenAIEmbeddings"},
		},
		Edges: []schema.GraphEdge{
			{ID: "edge-1", SourceNodeID: "node-chat", TargetNodeID: "node-embed"},
		},
	}
}

func newTestController(t *testing.T, b Backend) (*Controller, *state.Store) {
	t.Helper()
	states := state.NewStore(state.WithDecayDelay(0))
	extractor, err := backend.NewResultExtractor("")
	require.NoError(t, err)
	return NewController(b, states, WithResultExtractor(extractor)), states
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestRun_HappyPathResolvesViaHeuristics(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"node_start","node_ref":"Embedding_1"}`),
		frame(`{"type":"node_end","node_ref":"Embedding_1"}`),
		frame(`{"type":"complete","result":{"text":"42"}}`),
	)}}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCompleted, c.Phase())
	assert.Equal(t, "42", c.Result())

	snap := states.Snapshot()
	assert.Equal(t, schema.StatusSuccess, snap.NodeStatus["node-embed"])
	assert.Equal(t, schema.StatusSuccess, snap.EdgeStatus["edge-1"])
	assert.Empty(t, snap.ActiveNodeIDs, "active sets cleared after completion")

	_, exec := fb.calls()
	assert.Zero(t, exec, "no degraded-mode call on a clean run")
}

func TestRun_UnknownEventKindSkipped(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"unknown_v2","whatever":1}`),
		frame(`{"type":"node_start","node_ref":"node-chat"}`),
		frame(`{"type":"complete"}`),
	)}}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCompleted, c.Phase())
	assert.Equal(t, schema.StatusPending, states.Snapshot().NodeStatus["node-chat"])
}

func TestRun_UnresolvableRefDropped(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"node_start","node_ref":"TotallyUnrelated"}`),
		frame(`{"type":"complete"}`),
	)}}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	snap := states.Snapshot()
	assert.Empty(t, snap.NodeStatus)
	assert.Empty(t, snap.ActiveNodeIDs)
	assert.Equal(t, schema.PhaseCompleted, c.Phase())
}

func TestRun_BackendErrorEvent(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"node_start","node_ref":"node-embed"}`),
		frame(`{"type":"error","node_ref":"node-embed","message":"tool exploded"}`),
	)}}
	c, states := newTestController(t, fb)

	ch, unsub, err := c.Hub().Subscribe(context.Background(), Filter{Kinds: []string{NoteBackendError}})
	require.NoError(t, err)
	defer unsub()

	_, err = c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseFailed, c.Phase())
	require.NotNil(t, c.LastError())
	assert.Equal(t, "tool exploded", c.LastError().Message)

	snap := states.Snapshot()
	assert.Equal(t, schema.StatusFailed, snap.NodeStatus["node-embed"])
	assert.Equal(t, schema.StatusFailed, snap.EdgeStatus["edge-1"])

	select {
	case note := <-ch:
		assert.Equal(t, "tool exploded", note.Message)
		assert.Equal(t, "node-embed", note.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a backend_error notification")
	}

	_, exec := fb.calls()
	assert.Zero(t, exec, "backend answered; no degraded retry")
}

func TestRun_OpenFailureFallsBackOnce(t *testing.T) {
	fb := &fakeBackend{
		openErr:    errors.New("dial tcp: refused"),
		execResult: &schema.CompleteEvent{Result: map[string]any{"text": "degraded"}},
	}
	c, _ := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCompleted, c.Phase())
	assert.Equal(t, "degraded", c.Result())

	open, exec := fb.calls()
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, exec)
}

func TestRun_TruncatedStreamFallsBack(t *testing.T) {
	fb := &fakeBackend{
		streams: []io.ReadCloser{stringStream(
			frame(`{"type":"node_start","node_ref":"node-chat"}`),
			// Stream ends here without a complete frame.
		)},
		execResult: &schema.CompleteEvent{Result: "recovered"},
	}
	c, _ := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCompleted, c.Phase())
	assert.Equal(t, "recovered", c.Result())

	_, exec := fb.calls()
	assert.Equal(t, 1, exec)
}

func TestRun_FallbackFailureMarksLastActiveFailed(t *testing.T) {
	fb := &fakeBackend{
		streams: []io.ReadCloser{stringStream(
			frame(`{"type":"node_start","node_ref":"node-embed"}`),
		)},
		execErr: errors.New("backend down"),
	}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseFailed, c.Phase())
	snap := states.Snapshot()
	assert.Equal(t, schema.StatusFailed, snap.NodeStatus["node-embed"])
	assert.Equal(t, schema.StatusFailed, snap.EdgeStatus["edge-1"])
}

func TestRun_DuplicateCompleteIdempotent(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"node_start","node_ref":"node-chat"}`),
		frame(`{"type":"complete","result":{"text":"first"}}`),
		frame(`{"type":"complete","result":{"text":"second"}}`),
	)}}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCompleted, c.Phase())
	assert.Equal(t, "first", c.Result())
	assert.Empty(t, states.Snapshot().ActiveNodeIDs)
}

func TestRun_ReleasesContextAfterCompletion(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"complete"}`),
	)}}
	c, _ := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)
	require.Equal(t, schema.PhaseCompleted, c.Phase())

	// The run context must be cancelled once the pump exits, so the reader
	// watcher goroutine does not linger until the next session.
	fb.mu.Lock()
	runCtx := fb.openCtx
	fb.mu.Unlock()
	require.NotNil(t, runCtx)
	assert.Eventually(t, func() bool {
		return runCtx.Err() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestStart_CancelsPriorSession(t *testing.T) {
	// Session A blocks on a pipe that never completes.
	pr, pw := io.Pipe()
	fb := &fakeBackend{streams: []io.ReadCloser{
		pr,
		stringStream(
			frame(`{"type":"node_start","node_ref":"node-embed"}`),
			frame(`{"type":"complete"}`),
		),
	}}
	c, states := newTestController(t, fb)

	idA, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	_, err = pw.Write([]byte(frame(`{"type":"node_start","node_ref":"node-chat"}`)))
	require.NoError(t, err)

	// A is live; B replaces it.
	idB, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
	waitDone(t, c)

	assert.Equal(t, idB, c.SessionID())
	assert.Equal(t, schema.PhaseCompleted, c.Phase())

	// Only B's events are reflected: node-chat came from A's stream.
	snap := states.Snapshot()
	_, chatTouched := snap.NodeStatus["node-chat"]
	assert.False(t, chatTouched, "state from the cancelled session must be discarded")
	assert.Equal(t, schema.StatusSuccess, snap.NodeStatus["node-embed"])

	pw.Close()
}

func TestCancel_TerminatesSession(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	fb := &fakeBackend{streams: []io.ReadCloser{pr}}
	c, _ := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)

	c.Cancel()
	waitDone(t, c)

	assert.Equal(t, schema.PhaseCancelled, c.Phase())
}

func TestDismissError_ClearsFailureColoring(t *testing.T) {
	fb := &fakeBackend{streams: []io.ReadCloser{stringStream(
		frame(`{"type":"node_start","node_ref":"node-embed"}`),
		frame(`{"type":"error","node_ref":"node-embed","message":"nope"}`),
	)}}
	c, states := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), nil)
	require.NoError(t, err)
	waitDone(t, c)
	require.NotNil(t, c.LastError())

	c.DismissError()

	assert.Nil(t, c.LastError())
	snap := states.Snapshot()
	assert.Empty(t, snap.NodeStatus)
	assert.Empty(t, snap.EdgeStatus)
}

func TestRetry_PassesFailedNodeAsResumePoint(t *testing.T) {
	fb := &fakeBackend{
		streams: []io.ReadCloser{
			stringStream(
				frame(`{"type":"node_start","node_ref":"node-embed"}`),
				frame(`{"type":"error","node_ref":"node-embed","message":"boom"}`),
			),
		},
		openErr: nil,
	}
	c, _ := newTestController(t, fb)

	_, err := c.Start(context.Background(), ragSnapshot(), map[string]any{"question": "q"})
	require.NoError(t, err)
	waitDone(t, c)
	require.Equal(t, schema.PhaseFailed, c.Phase())

	// The retry stream immediately errors at open, forcing the degraded call
	// whose input we can observe.
	fb.mu.Lock()
	fb.openErr = errors.New("refused")
	fb.execResult = &schema.CompleteEvent{}
	fb.mu.Unlock()

	_, err = c.Retry(context.Background())
	require.NoError(t, err)
	waitDone(t, c)

	fb.mu.Lock()
	input := fb.execInput
	fb.mu.Unlock()
	assert.Equal(t, "node-embed", input["start_from"])
	assert.Equal(t, "q", input["question"])
}

func TestStart_NilSnapshotRejected(t *testing.T) {
	c, _ := newTestController(t, &fakeBackend{})

	_, err := c.Start(context.Background(), nil, nil)

	var perr *schema.PulseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestPhase_IdleWithoutSession(t *testing.T) {
	c, _ := newTestController(t, &fakeBackend{})
	assert.Equal(t, schema.PhaseIdle, c.Phase())
}
