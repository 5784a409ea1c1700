package copilot

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the session registry and orchestrator.
var (
	// ErrRateLimitExceeded means the user already created the maximum number
	// of threads in the last 24 hours.
	ErrRateLimitExceeded = errors.New("daily conversation limit exceeded")

	// ErrMessageTooLong means the inbound text exceeds the per-message limit.
	ErrMessageTooLong = errors.New("message too long")

	// ErrNoAssistantReply means the run completed without any assistant text.
	ErrNoAssistantReply = errors.New("run completed without an assistant reply")

	// ErrTurnAborted means the turn hit its timeout or its tool-round cap.
	ErrTurnAborted = errors.New("turn aborted")

	// ErrRunFailed means the run ended in a terminal status other than completed.
	ErrRunFailed = errors.New("run did not complete")
)

// TurnPhase names the step of a turn in which an error happened.
type TurnPhase string

const (
	PhaseSubmit       TurnPhase = "submit"
	PhasePoll         TurnPhase = "poll"
	PhaseToolDispatch TurnPhase = "tool_dispatch"
	PhaseReply        TurnPhase = "reply"
)

// TurnError is the single failure type returned by RunTurn.
type TurnError struct {
	Phase TurnPhase
	RunID string
	Err   error
}

func (e *TurnError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("turn failed in %s (run %s): %v", e.Phase, e.RunID, e.Err)
	}
	return fmt.Sprintf("turn failed in %s: %v", e.Phase, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TransportError wraps a failed outbound send. Sends are best effort, so
// these are logged and never retried.
type TransportError struct {
	To  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sending to %s: %v", e.To, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
