package orchestrator

import "fmt"

// Phase is one stage of a session's per-round state machine.
type Phase string

const (
	PhaseInitialization    Phase = "initialization"
	PhaseGitSnapshot       Phase = "git_snapshot"
	PhaseAgentExecution    Phase = "agent_execution"
	PhaseProcessMonitoring Phase = "process_monitoring"
	PhaseDecision          Phase = "decision"
	PhaseRollback          Phase = "rollback"
	PhaseBreakpoint        Phase = "breakpoint"
	PhaseCompletion        Phase = "completion"
	PhaseError             Phase = "error"
)

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseInitialization: {
		PhaseGitSnapshot: {},
		PhaseError:       {},
	},
	PhaseGitSnapshot: {
		PhaseAgentExecution: {},
		PhaseDecision:       {},
		PhaseError:          {},
	},
	PhaseAgentExecution: {
		PhaseProcessMonitoring: {},
		PhaseError:             {},
	},
	PhaseProcessMonitoring: {
		PhaseDecision: {},
		PhaseError:    {},
	},
	PhaseDecision: {
		PhaseGitSnapshot: {},
		PhaseRollback:    {},
		PhaseBreakpoint:  {},
		PhaseCompletion:  {},
		PhaseError:       {},
	},
	PhaseRollback: {
		PhaseGitSnapshot: {},
		PhaseError:       {},
	},
	PhaseBreakpoint: {
		PhaseGitSnapshot: {},
		PhaseError:       {},
	},
	PhaseCompletion: {},
	PhaseError:      {},
}

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseCompletion || p == PhaseError
}

// ValidatePhase rejects phases outside the machine.
func ValidatePhase(p Phase) error {
	if _, ok := allowedTransitions[p]; !ok {
		return fmt.Errorf("invalid phase: %q", p)
	}
	return nil
}

// ValidateTransition rejects moves the machine does not allow.
func ValidateTransition(from, to Phase) error {
	if err := ValidatePhase(from); err != nil {
		return err
	}
	if err := ValidatePhase(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid phase transition: %s -> %s", from, to)
	}
	return nil
}
