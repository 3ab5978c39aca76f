// pulse runs a workflow graph against an execution backend from the command
// line: it streams node-by-node progress, persists the definition, and prints
// the final result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lienzo/pulse/internal/autosave"
	"github.com/lienzo/pulse/internal/backend"
	"github.com/lienzo/pulse/internal/graph"
	"github.com/lienzo/pulse/internal/logging"
	"github.com/lienzo/pulse/internal/resolve"
	"github.com/lienzo/pulse/internal/session"
	"github.com/lienzo/pulse/internal/state"
	"github.com/lienzo/pulse/internal/store"
	"github.com/lienzo/pulse/internal/validation"
	"github.com/lienzo/pulse/pkg/schema"
)

func main() {
	graphPath := flag.String("graph", "", "path to a graph definition JSON file (required)")
	inputJSON := flag.String("input", "{}", "run input as a JSON object")
	flag.Parse()

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "usage: pulse -graph <definition.json> [-input '{...}']")
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger, *graphPath, *inputJSON); err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}),
	)
	return slog.New(handler)
}

func run(cfg Config, logger *slog.Logger, graphPath, inputJSON string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parse -input: %w", err)
	}

	data, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("read graph definition: %w", err)
	}
	var def schema.GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse graph definition: %w", err)
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(&def); err != nil {
		return err
	}

	if err := os.MkdirAll(pulseDir(), 0o755); err != nil {
		return fmt.Errorf("create pulse dir: %w", err)
	}
	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	doc := graph.NewDocument(def)
	if err := ensureIdentity(ctx, db, doc); err != nil {
		return err
	}
	ctx = logging.WithWorkflowID(ctx, doc.WorkflowID())

	controller, err := buildController(cfg, logger)
	if err != nil {
		return err
	}

	saver := autosave.NewScheduler(doc, db,
		autosave.WithInterval(cfg.autoSaveInterval()),
		autosave.WithLogger(logger),
	)
	saver.SetEnabled(cfg.AutoSave)
	if err := saver.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = saver.Stop() }()

	notes, unsubscribe, err := controller.Hub().Subscribe(ctx, session.Filter{})
	if err != nil {
		return err
	}
	defer unsubscribe()
	go printNotifications(notes, logger)

	sessionID, err := controller.Start(ctx, doc.Snapshot(), input)
	if err != nil {
		return err
	}
	logger.Info("session started", slog.String("session_id", sessionID))

	select {
	case <-ctx.Done():
		controller.Cancel()
		<-controller.Done()
		return schema.NewError(schema.ErrCodeCancelled, "interrupted")
	case <-controller.Done():
	}

	switch phase := controller.Phase(); phase {
	case schema.PhaseCompleted:
		return printResult(context.Background(), db, doc, controller.Result())
	case schema.PhaseFailed:
		if lastErr := controller.LastError(); lastErr != nil {
			return schema.NewError(schema.ErrCodeBackend, lastErr.Message)
		}
		return schema.NewError(schema.ErrCodeBackend, "run failed")
	default:
		return schema.NewErrorf(schema.ErrCodeCancelled, "session ended in phase %q", phase)
	}
}

// buildController wires resolver, backend client, and state store per config.
func buildController(cfg Config, logger *slog.Logger) (*session.Controller, error) {
	families := resolve.DefaultFamilies()
	if cfg.FamiliesPath != "" {
		loaded, err := resolve.LoadFamilies(cfg.FamiliesPath)
		if err != nil {
			return nil, err
		}
		families = loaded
	}

	extractor, err := backend.NewResultExtractor(cfg.ResultQuery)
	if err != nil {
		return nil, err
	}

	return session.NewController(
		backend.NewClient(cfg.BackendURL),
		state.NewStore(),
		session.WithResolver(resolve.New(resolve.WithFamilies(families))),
		session.WithResultExtractor(extractor),
		session.WithLogger(logger),
	), nil
}

// ensureIdentity persists a first-time definition so auto-save has a row to
// update, and records the assigned ID back into the document.
func ensureIdentity(ctx context.Context, db store.Store, doc *graph.Document) error {
	if doc.WorkflowID() != "" {
		return nil
	}
	def := doc.Definition()
	wf := &store.Workflow{Name: def.Name, Definition: def}
	if err := db.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	doc.SetWorkflowID(wf.ID)
	return nil
}

func printNotifications(notes <-chan session.Notification, logger *slog.Logger) {
	for n := range notes {
		switch n.Kind {
		case session.NoteNodeStarted:
			logger.Info("node running", slog.String("node_id", n.NodeID))
		case session.NoteNodeFinished:
			logger.Info("node finished", slog.String("node_id", n.NodeID))
		case session.NoteBackendError:
			logger.Error("backend error",
				slog.String("node_id", n.NodeID),
				slog.String("message", n.Message),
			)
		case session.NoteRunFailed:
			logger.Error("run failed", slog.String("message", n.Message))
		}
	}
}

// printResult writes the run result to stdout and records it on the workflow.
func printResult(ctx context.Context, db store.Store, doc *graph.Document, result any) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		out = []byte(fmt.Sprintf("%v", result))
	}
	fmt.Println(string(out))

	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return db.UpdateWorkflow(ctx, doc.WorkflowID(), store.WorkflowUpdate{LastResult: raw})
}
