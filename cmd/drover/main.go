// cmd/drover/main.go
//
// Entry point for the drover session runner. It wires the persistent stores,
// the process supervisor, and the worker invoker into an orchestrator, then
// executes (or resumes) one session to a terminal phase.
//
// Ctrl-C asks the orchestrator to kill the session at the next phase
// boundary; a second Ctrl-C exits immediately.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ramercer/drover/internal/config"
	"github.com/ramercer/drover/internal/eventbridge"
	"github.com/ramercer/drover/internal/invoke"
	"github.com/ramercer/drover/internal/logbook"
	"github.com/ramercer/drover/internal/logging"
	"github.com/ramercer/drover/internal/orchestrator"
	"github.com/ramercer/drover/internal/store"
	"github.com/ramercer/drover/internal/supervise"
)

func main() {
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	sessionID := flag.String("session", "", "session identifier (generated when empty)")
	worker := flag.String("worker", "alpha", "worker identity to run")
	task := flag.String("task", "", "task text handed to the worker")
	command := flag.String("command", "", "worker command; remaining arguments are passed through ({task} is substituted)")
	workspace := flag.String("workspace", "", "workspace path for the worker (defaults to .drover/workspaces/<worker>)")
	maxRounds := flag.Int("max-rounds", 0, "override the configured round budget")
	maxTurns := flag.Int("max-turns", 0, "per-invocation turn budget forwarded to the worker")
	resumeToken := flag.String("resume-token", "", "opaque continuation token forwarded to the worker")
	resume := flag.Bool("resume", false, "resume a previously persisted session instead of starting fresh")
	flag.Parse()

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitDroverDir(absoluteProject); err != nil {
		die("init .drover: %v", err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}

	session := strings.TrimSpace(*sessionID)
	if session == "" {
		if *resume {
			die("--session is required with --resume")
		}
		session = uuid.NewString()
	}
	if !*resume && strings.TrimSpace(*task) == "" {
		die("--task is required")
	}
	// Resume re-runs the interrupted round, so the worker command is needed
	// either way.
	if strings.TrimSpace(*command) == "" {
		die("--command is required")
	}

	logger, err := logging.New(cfg.DataDir)
	if err != nil {
		die("open log: %v", err)
	}
	defer logger.Close()

	audit, err := logbook.ForSession(cfg.DataDir, session)
	if err != nil {
		die("open audit logbook: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		die("open state store: %v", err)
	}
	defer st.Close()

	router := eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))

	defaults := cfg.Runtime.Defaults
	sup := supervise.New(
		supervise.WithLogger(logger),
		supervise.WithPublisher(router),
		supervise.WithCheckInterval(time.Duration(defaults.CheckSeconds)*time.Second),
		supervise.WithMaxFailureCount(defaults.MaxFailureCount),
	)
	defer sup.Close()

	invoker, err := invoke.New(*command, flag.Args(), invoke.WithLogger(logger))
	if err != nil {
		die("build invoker: %v", err)
	}

	// Workers leaked by a crashed run match the command signature but are not
	// in the registry; sweep them before starting.
	if cleaned, err := sup.CleanupOrphans(filepath.Base(*command)); err != nil {
		logger.Printf("startup orphan sweep: %v", err)
	} else if cleaned > 0 {
		logger.Printf("startup orphan sweep: terminated %d leaked worker process(es)", cleaned)
	}

	orch := orchestrator.New(st, st, sup, invoker,
		orchestrator.WithPublisher(router),
		orchestrator.WithAuditor(audit),
		orchestrator.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		fmt.Fprintln(os.Stderr, "interrupt: asking session to stop (press again to force)")
		orch.Signal(session, orchestrator.SignalKill)
		<-interrupts
		cancel()
	}()

	var result orchestrator.Result
	if *resume {
		// A session persisted at a breakpoint resumes in place and waits for
		// the resume signal; send it up front so the CLI does not hang.
		orch.Signal(session, orchestrator.SignalResume)
		result, err = orch.Resume(ctx, session)
	} else {
		workspacePath := strings.TrimSpace(*workspace)
		if workspacePath == "" {
			workspacePath = filepath.Join(cfg.WorkspacesDir(), *worker)
		}
		sessionCfg := cfg.NewSessionConfig(session, map[string]string{*worker: workspacePath})
		if *maxRounds > 0 {
			sessionCfg.MaxRounds = *maxRounds
		}
		result, err = orch.Execute(ctx, orchestrator.SessionSpec{
			Config:      sessionCfg,
			Worker:      *worker,
			Task:        *task,
			MaxTurns:    *maxTurns,
			ResumeToken: *resumeToken,
		})
	}
	if err != nil {
		die("session %s: %v", session, err)
	}

	fmt.Printf("Session: %s\n", session)
	fmt.Printf("Final phase: %s\n", result.FinalPhase)
	fmt.Printf("Rounds completed: %d\n", result.RoundsCompleted)
	if result.LastError != "" {
		fmt.Printf("Last error: %s\n", result.LastError)
	}
	if !result.Success {
		os.Exit(1)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "drover: "+format+"\n", args...)
	os.Exit(1)
}
