package orchestrator

import (
	"time"

	"github.com/ramercer/drover/internal/config"
)

// CompletedRound records one finished round for the session history.
type CompletedRound struct {
	Worker    string    `json:"worker"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the whole-document session state persisted after every phase
// transition. A crash mid-round resumes from the last persisted phase.
type State struct {
	SessionID   string               `json:"session_id"`
	Phase       Phase                `json:"phase"`
	RoundNumber int                  `json:"round_number"`
	MaxRounds   int                  `json:"max_rounds"`
	Worker      string               `json:"worker"`
	Task        string               `json:"task"`
	MaxTurns    int                  `json:"max_turns,omitempty"`
	ResumeToken string               `json:"resume_token,omitempty"`
	Config      config.SessionConfig `json:"config"`

	GitShaStart string `json:"git_sha_start,omitempty"`
	GitShaEnd   string `json:"git_sha_end,omitempty"`

	// ActiveProcessID is set only while the phase is agent_execution or
	// process_monitoring; LastProcessID keeps the most recent worker pid for
	// diagnostics after the invocation ends.
	ActiveProcessID int    `json:"active_process_id,omitempty"`
	ProcessStatus   string `json:"process_status,omitempty"`
	LastProcessID   int    `json:"last_process_id,omitempty"`

	RollbackRequested bool   `json:"rollback_requested,omitempty"`
	RollbackReason    string `json:"rollback_reason,omitempty"`
	RollbackTargetSha string `json:"rollback_target_sha,omitempty"`
	// ExternalRollback marks a rollback requested from outside the round
	// (operator command), as opposed to the decision phase reacting to a
	// failed attempt.
	ExternalRollback bool `json:"external_rollback,omitempty"`

	BreakpointRequested bool `json:"breakpoint_requested,omitempty"`

	// Attempt counts invocations of the current round, starting at 1.
	Attempt int `json:"attempt"`
	// AuditNote is prepended to the task on the attempt after a rollback so
	// the retried worker sees why its previous work disappeared.
	AuditNote string `json:"audit_note,omitempty"`

	CompletedRounds []CompletedRound `json:"completed_rounds,omitempty"`
	LastResult      string           `json:"last_result,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	// Fatal marks the current error as terminal: the decision phase must end
	// the session rather than attempt recovery.
	Fatal bool `json:"fatal,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (st *State) setError(msg string, fatal bool) {
	st.ErrorMessage = msg
	if fatal {
		st.Fatal = true
	}
}

func (st *State) clearRollback() {
	st.RollbackRequested = false
	st.RollbackReason = ""
	st.RollbackTargetSha = ""
	st.ExternalRollback = false
}

// Result summarizes a finished session.
type Result struct {
	Success         bool
	FinalPhase      Phase
	RoundsCompleted int
	LastError       string
}

func resultFrom(st *State) Result {
	return Result{
		Success:         st.Phase == PhaseCompletion && st.ErrorMessage == "",
		FinalPhase:      st.Phase,
		RoundsCompleted: len(st.CompletedRounds),
		LastError:       st.ErrorMessage,
	}
}
