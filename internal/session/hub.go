// Package session owns the lifecycle of execution attempts against the
// backend and the typed notification channel their consumers subscribe to.
package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Notification kinds published on the Hub.
const (
	NoteSessionStarted = "session_started"
	NoteNodeStarted    = "node_started"
	NoteNodeFinished   = "node_finished"
	NoteBackendError   = "backend_error"
	NoteRunCompleted   = "run_completed"
	NoteRunFailed      = "run_failed"
)

// Notification is one typed message from an execution session to its
// consumers (animation layer, error banner, result pane).
type Notification struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	NodeID    string `json:"node_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Filter specifies which notifications a subscriber wants to receive.
type Filter struct {
	SessionID string   `json:"session_id,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan Notification
	filter Filter
}

// Hub is an in-memory publish/subscribe channel for session notifications.
// One producer (the controller), possibly many consumers, no ambient global
// state: the hub is owned by the controller and injected into consumers.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish sends a notification to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the notification is dropped.
func (h *Hub) Publish(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, note) {
			continue
		}
		select {
		case sub.ch <- note:
		default:
			// backpressure: drop notification for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Notification, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the notification passes the filter criteria.
func matchFilter(f Filter, n Notification) bool {
	if f.SessionID != "" && f.SessionID != n.SessionID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == n.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
