// recipectl is the thin command-line entry point for the recipe engine: it
// wires a Session Store, a CLI-based agent spawner, and the cancellation
// coordinator into one executor.Engine, then dispatches each of the eight
// outer-tool operations (execute, resume, list, validate, approvals,
// approve, deny, cancel) plus an optional HTTP server to it. Grounded on
// the teacher's cmd/server/main.go: zerolog console output, SIGINT/SIGTERM
// driving graceful-then-immediate shutdown, OpenTelemetry initialized the
// same way.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/recipeforge/recipeforge/internal/cancel"
	"github.com/recipeforge/recipeforge/internal/config"
	"github.com/recipeforge/recipeforge/internal/executor"
	"github.com/recipeforge/recipeforge/internal/httpapi"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/internal/spawner"
	"github.com/recipeforge/recipeforge/internal/telemetry"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.Error().Err(err).Msg("recipectl failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: recipectl <command> [flags]

commands:
  execute   <recipe.yaml>             run a recipe from scratch
  resume    <session-id> <recipe.yaml> continue a paused or checkpointed session
  list                                 list known sessions
  validate  <recipe.yaml>              structurally validate a recipe
  approvals                            list sessions paused at an approval gate
  approve   <session-id> <stage-name>  approve a pending gate
  deny      <session-id> <stage-name>  deny a pending gate
  cancel    <session-id>               request cancellation of a session
  serve                                 run the HTTP API surface`)
}

// engineHandle bundles an Engine with the store it owns, so every
// subcommand can defer a single Close() regardless of backend.
type engineHandle struct {
	Engine *executor.Engine
	Store  session.Store
}

func buildEngine(ctx context.Context, cfg *config.Config, immediate func() bool) (*engineHandle, error) {
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	coordinator := cancel.New(ctx, store, immediate)

	spawn := contracts.SpawnFunc(&spawner.CLI{
		Command: os.Getenv("RECIPES_AGENT_COMMAND"),
		Args:    splitArgs(os.Getenv("RECIPES_AGENT_ARGS")),
	})
	display := &contracts.CommunityDisplay{
		Log: func(message string, level contracts.DisplayLevel, source string) {
			event := log.Info()
			if level == contracts.DisplayWarn {
				event = log.Warn()
			}
			if level == contracts.DisplayError {
				event = log.Error()
			}
			event.Str("source", source).Msg(message)
		},
	}

	eng := executor.New(store, spawn, contracts.CommunityMentionResolver{}, coordinator, display)
	if cfg.Engine.MaxConcurrentLLM > 0 || cfg.Engine.MinPacingMS > 0 {
		eng.DefaultRateLimit = &recipe.RateLimitingConfig{
			MaxConcurrentLLM: cfg.Engine.MaxConcurrentLLM,
			MinPacingMS:      cfg.Engine.MinPacingMS,
		}
	}
	return &engineHandle{Engine: eng, Store: store}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return session.NewFileStore(cfg.Store.RetentionTTL), nil
	case "postgres":
		return session.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}

func run(cmd string, args []string) error {
	cfg := config.Load()
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// A second SIGINT/SIGTERM on the same process upgrades an in-flight
	// graceful cancellation to an immediate one, mirroring the teacher's
	// single-signal-does-graceful-shutdown model extended with a forceful
	// second press.
	var secondSignal atomic.Bool
	go func() {
		<-rootCtx.Done()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		secondSignal.Store(true)
	}()
	immediate := secondSignal.Load

	handle, err := buildEngine(rootCtx, cfg, immediate)
	if err != nil {
		return err
	}
	defer handle.Store.Close()

	switch cmd {
	case "execute":
		return cmdExecute(rootCtx, handle.Engine, args)
	case "resume":
		return cmdResume(rootCtx, handle.Engine, args)
	case "list":
		return cmdList(rootCtx, handle.Engine, args)
	case "validate":
		return cmdValidate(args)
	case "approvals":
		return cmdApprovals(rootCtx, handle.Engine, args)
	case "approve":
		return cmdApprove(rootCtx, handle.Engine, args)
	case "deny":
		return cmdDeny(rootCtx, handle.Engine, args)
	case "cancel":
		return cmdCancel(rootCtx, handle.Engine, args)
	case "serve":
		return cmdServe(rootCtx, cfg, handle.Engine)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdExecute(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	project := fs.String("project", ".", "project directory the session is scoped to")
	contextJSON := fs.String("context", "", "JSON object merged over the recipe's initial context")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: recipectl execute <recipe.yaml> [--project dir] [--context '{...}']")
	}
	recipePath := fs.Arg(0)

	r, err := recipe.Load(recipePath)
	if err != nil {
		return fmt.Errorf("load recipe: %w", err)
	}

	var userContext map[string]interface{}
	if *contextJSON != "" {
		if err := json.Unmarshal([]byte(*contextJSON), &userContext); err != nil {
			return fmt.Errorf("parse --context: %w", err)
		}
	}

	outcome, err := eng.Execute(ctx, r, *project, recipePath, userContext)
	if err != nil {
		return err
	}
	return printOutcome(r, outcome)
}

func cmdResume(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	project := fs.String("project", ".", "project directory the session is scoped to")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: recipectl resume <session-id> <recipe.yaml> [--project dir]")
	}
	sessionID, recipePath := fs.Arg(0), fs.Arg(1)

	r, err := recipe.Load(recipePath)
	if err != nil {
		return fmt.Errorf("load recipe: %w", err)
	}

	outcome, err := eng.Resume(ctx, r, sessionID, *project, recipePath)
	if err != nil {
		return err
	}
	return printOutcome(r, outcome)
}

func printOutcome(r *recipe.Recipe, outcome *executor.Outcome) error {
	switch outcome.Status {
	case executor.OutcomePaused:
		log.Info().Str("session_id", outcome.SessionID).Str("stage", outcome.StageName).Msg("paused at approval gate")
	case executor.OutcomeCancelled:
		log.Info().Str("session_id", outcome.SessionID).Msg("cancelled")
	default:
		log.Info().Str("session_id", outcome.SessionID).Msg("completed")
	}
	summary := executor.BuildSummary(r, outcome.State)
	return printJSON(map[string]interface{}{
		"status":     outcome.Status,
		"session_id": outcome.SessionID,
		"stage_name": outcome.StageName,
		"prompt":     outcome.Prompt,
		"summary":    summary,
	})
}

func cmdList(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	_ = fs.Parse(args)

	sessions, err := eng.List(ctx, *project)
	if err != nil {
		return err
	}
	return printJSON(sessions)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: recipectl validate <recipe.yaml>")
	}
	if _, err := recipe.Load(fs.Arg(0)); err != nil {
		return printJSON(map[string]interface{}{"valid": false, "error": err.Error()})
	}
	return printJSON(map[string]interface{}{"valid": true})
}

func cmdApprovals(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("approvals", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	_ = fs.Parse(args)

	pending, err := eng.Approvals(ctx, *project)
	if err != nil {
		return err
	}
	return printJSON(pending)
}

func cmdApprove(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: recipectl approve <session-id> <stage-name> [--project dir]")
	}
	return eng.Approve(ctx, fs.Arg(0), *project, fs.Arg(1))
}

func cmdDeny(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("deny", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	reason := fs.String("reason", "", "human-readable denial reason")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: recipectl deny <session-id> <stage-name> [--reason text] [--project dir]")
	}
	return eng.Deny(ctx, fs.Arg(0), *project, fs.Arg(1), *reason)
}

func cmdCancel(ctx context.Context, eng *executor.Engine, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	project := fs.String("project", ".", "project directory")
	immediateFlag := fs.Bool("immediate", false, "request immediate (vs. graceful) cancellation")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: recipectl cancel <session-id> [--immediate] [--project dir]")
	}
	ok, message, err := eng.Cancel(ctx, fs.Arg(0), *project, *immediateFlag)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"ok": ok, "message": message})
}

func cmdServe(ctx context.Context, cfg *config.Config, eng *executor.Engine) error {
	handler := httpapi.NewRouter(cfg, &httpapi.Handlers{Engine: eng})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("recipe engine listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
