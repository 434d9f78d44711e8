package eventbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies orchestration events published on the bridge.
type Kind string

const (
	// KindPhaseChanged fires on every orchestrator phase transition.
	KindPhaseChanged Kind = "phase_changed"
	// KindProcessStatus fires when the supervisor observes a liveness change.
	KindProcessStatus Kind = "process_status"
	// KindRoundCompleted fires after a round's decision has been made.
	KindRoundCompleted Kind = "round_completed"
	// KindSessionEnded fires exactly once, when a session reaches a terminal phase.
	KindSessionEnded Kind = "session_ended"
	// KindError carries a human-readable failure explanation.
	KindError Kind = "error"
)

// Event captures a single notification about an orchestration session.
type Event struct {
	EventID       string    `json:"event_id"`
	Kind          Kind      `json:"kind"`
	OccurredAt    time.Time `json:"occurred_at"`
	SessionID     string    `json:"session_id"`
	Worker        string    `json:"worker,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	Round         int       `json:"round,omitempty"`
	Pid           int       `json:"pid,omitempty"`
	ProcessStatus string    `json:"process_status,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.Worker = strings.TrimSpace(e.Worker)
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Validate enforces baseline requirements for published events.
func (e Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Kind == "" {
		return errors.New("kind is required")
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch e.Kind {
	case KindPhaseChanged, KindProcessStatus, KindRoundCompleted, KindSessionEnded, KindError:
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// Processor consumes validated events.
type Processor interface {
	HandleEvent(Event) error
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc func(Event) error

// HandleEvent executes f(e).
func (f ProcessorFunc) HandleEvent(e Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// Logger records bridge diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}
