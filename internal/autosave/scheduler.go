// Package autosave persists the graph definition on a timer, independent of
// any running execution session.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lienzo/pulse/internal/store"
	"github.com/lienzo/pulse/pkg/schema"
)

// DefinitionSource is the graph document contract the scheduler reads.
// Satisfied by graph.Document. The scheduler never touches execution state.
type DefinitionSource interface {
	WorkflowID() string
	Revision() uint64
	Definition() schema.GraphDefinition
}

// Persister is the slice of the workflow store the scheduler writes through.
type Persister interface {
	UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error
}

const (
	defaultInterval        = 2 * time.Second
	defaultDisplayDuration = 1500 * time.Millisecond
)

// Scheduler saves the document on a fixed interval whenever its revision has
// moved past the last persisted one. Saves are skipped for drafts that were
// never manually saved (no workflow identity yet).
type Scheduler struct {
	source   DefinitionSource
	persist  Persister
	logger   *slog.Logger
	interval time.Duration
	display  time.Duration
	schedule cron.Schedule

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	stateMu      sync.Mutex
	enabled      bool
	status       schema.AutoSaveStatus
	lastSaveAt   time.Time
	lastSavedRev uint64
	hasSavedRev  bool
	statusGen    uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the fixed tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithDisplayDuration overrides how long Saved/Error stay visible before
// reverting to Idle.
func WithDisplayDuration(d time.Duration) Option {
	return func(s *Scheduler) { s.display = d }
}

// WithCronSchedule replaces the fixed interval with a cron expression
// (seconds-granularity, 6 fields).
func WithCronSchedule(expr string) (Option, error) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return func(s *Scheduler) { s.schedule = schedule }, nil
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler. Auto-save starts enabled.
func NewScheduler(source DefinitionSource, persist Persister, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   source,
		persist:  persist,
		logger:   slog.Default(),
		interval: defaultInterval,
		display:  defaultDisplayDuration,
		enabled:  true,
		status:   schema.AutoSaveIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background save loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("autosave scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("autosave scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	if s.schedule != nil {
		s.cronLoop(ctx)
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one save attempt if the gate passes: enabled, a persisted
// identity exists, and the document changed since the last successful save.
// Exported so a host can force a save attempt outside the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	s.stateMu.Lock()
	workflowID := s.source.WorkflowID()
	rev := s.source.Revision()
	if !s.enabled || workflowID == "" || (s.hasSavedRev && rev == s.lastSavedRev) {
		s.stateMu.Unlock()
		return
	}
	s.setStatusLocked(schema.AutoSaveSaving)
	s.stateMu.Unlock()

	def := s.source.Definition()
	err := s.persist.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Definition: &def})

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err != nil {
		// Revision stays unsaved so the next tick retries.
		s.logger.Error("autosave failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		s.setStatusLocked(schema.AutoSaveError)
		s.revertAfterDisplayLocked()
		return
	}

	s.lastSavedRev = rev
	s.hasSavedRev = true
	s.lastSaveAt = time.Now().UTC()
	s.logger.Debug("autosave completed",
		slog.String("workflow_id", workflowID),
		slog.Uint64("revision", rev),
	)
	s.setStatusLocked(schema.AutoSaveSaved)
	s.revertAfterDisplayLocked()
}

// setStatusLocked changes the visible status and invalidates any pending
// display-duration revert. Must be called with stateMu held.
func (s *Scheduler) setStatusLocked(status schema.AutoSaveStatus) {
	s.status = status
	s.statusGen++
}

// revertAfterDisplayLocked schedules the Saved/Error → Idle revert. A status
// change before the timer fires wins; the stale revert is discarded.
// Must be called with stateMu held.
func (s *Scheduler) revertAfterDisplayLocked() {
	if s.display <= 0 {
		s.status = schema.AutoSaveIdle
		return
	}
	gen := s.statusGen
	time.AfterFunc(s.display, func() {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		if s.statusGen != gen {
			return
		}
		s.status = schema.AutoSaveIdle
	})
}

// SetEnabled toggles the auto-save gate. A disabled scheduler keeps ticking
// but persists nothing.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.enabled = enabled
}

// Status reports the current visible auto-save state.
func (s *Scheduler) Status() schema.AutoSaveStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// LastSaveAt reports when the last successful save happened, zero if never.
func (s *Scheduler) LastSaveAt() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSaveAt
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("autosave scheduler stopped")
	return nil
}
