// cmd/drover-monitor/main.go
//
// Read-only terminal monitor for a running (or finished) drover session.
// Attaches to the project's state database and audit logbook and renders a
// live view of the session.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ramercer/drover/internal/config"
	"github.com/ramercer/drover/internal/logbook"
	"github.com/ramercer/drover/internal/store"
	"github.com/ramercer/drover/internal/tui"
)

func main() {
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	sessionID := flag.String("session", "", "session identifier to watch")
	flag.Parse()

	if strings.TrimSpace(*sessionID) == "" {
		die("--session is required")
	}

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
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		die("open state store: %v", err)
	}
	defer st.Close()

	audit, err := logbook.ForSession(cfg.DataDir, *sessionID)
	if err != nil {
		die("open audit logbook: %v", err)
	}

	p := tea.NewProgram(
		tui.NewMonitor(*sessionID, st, audit),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		die("run monitor: %v", err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "drover-monitor: "+format+"\n", args...)
	os.Exit(1)
}
