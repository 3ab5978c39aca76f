package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lienzo/pulse/pkg/schema"
)

func twoNodeSnapshot() *schema.GraphSnapshot {
	return &schema.GraphSnapshot{
		Nodes: []schema.GraphNode{
			{ID: "n1", TypeTag: "ChatOpenAI"},
			{ID: "n2", TypeTag: "Tool"},
		},
		Edges: []schema.GraphEdge{
			{ID: "e1", SourceNodeID: "n1", TargetNodeID: "n2"},
		},
	}
}

func TestOpenStream_SendsSnapshotAndReturnsBody(t *testing.T) {
	var got RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, streamPath, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"complete\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	body, err := c.OpenStream(context.Background(), twoNodeSnapshot(), map[string]any{"question": "hi"})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"complete"`)
	require.Len(t, got.Graph.Nodes, 2)
	assert.Equal(t, "hi", got.Input["question"])
}

func TestOpenStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.OpenStream(context.Background(), twoNodeSnapshot(), nil)

	require.Error(t, err)
	var perr *schema.PulseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeBackend, perr.Code)
	assert.Contains(t, perr.Details["body"], "engine overloaded")
}

func TestOpenStream_ConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")

	_, err := c.OpenStream(context.Background(), twoNodeSnapshot(), nil)

	var perr *schema.PulseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeTransport, perr.Code)
}

func TestExecute_DecodesCompleteShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, executePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"execution_id":"ex-9","result":{"text":"done"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Execute(context.Background(), twoNodeSnapshot(), nil)

	require.NoError(t, err)
	assert.Equal(t, "ex-9", result.ExecutionID)
}

func TestExecute_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"execution_id":`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Execute(context.Background(), twoNodeSnapshot(), nil)

	var perr *schema.PulseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeDecode, perr.Code)
}

func TestWithOpenTimeout_OrderIndependent(t *testing.T) {
	// The timeout must land on the transport even when the custom client is
	// supplied first.
	c := NewClient("http://x",
		WithHTTPClient(&http.Client{}),
		WithOpenTimeout(5*time.Second),
	)
	tr, ok := c.http.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, tr.ResponseHeaderTimeout)

	// Reversed order gives the same result.
	c = NewClient("http://x",
		WithOpenTimeout(7*time.Second),
		WithHTTPClient(&http.Client{Transport: &http.Transport{MaxIdleConns: 3}}),
	)
	tr, ok = c.http.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 3, tr.MaxIdleConns, "caller transport settings survive")
}

func TestNewClientDoesNotMutateCallerClient(t *testing.T) {
	callerClient := &http.Client{}

	NewClient("http://x", WithHTTPClient(callerClient), WithOpenTimeout(time.Second))

	assert.Nil(t, callerClient.Transport)
}

func TestResultExtractor_DefaultQuery(t *testing.T) {
	ex, err := NewResultExtractor("")
	require.NoError(t, err)

	v, err := ex.Extract(map[string]any{"text": "final answer"})
	require.NoError(t, err)
	assert.Equal(t, "final answer", v)

	// No known field: the raw value falls through.
	v, err = ex.Extract(map[string]any{"weird": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"weird": true}, v)
}

func TestResultExtractor_CustomQuery(t *testing.T) {
	ex, err := NewResultExtractor(`.choices[0].message`)
	require.NoError(t, err)

	v, err := ex.Extract(map[string]any{
		"choices": []any{map[string]any{"message": "pick me"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "pick me", v)
}

func TestResultExtractor_NilInput(t *testing.T) {
	ex, err := NewResultExtractor("")
	require.NoError(t, err)

	v, err := ex.Extract(nil)

	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResultExtractor_InvalidQuery(t *testing.T) {
	_, err := NewResultExtractor(`.[unclosed`)
	assert.Error(t, err)
}
