// Package assistant is the client side of the hosted assistant service:
// server-side threads, runs that may pause for tool calls, and the message
// list a run appends its reply to.
package assistant

import (
	"context"
	"strings"
)

// Role is the author of a thread message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RunStatus is the lifecycle state of a run as reported by the service.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Pending reports whether the run is still being worked on by the service.
func (s RunStatus) Pending() bool {
	return s == RunQueued || s == RunInProgress || s == RunCancelling
}

// ToolCall is one function invocation requested by a paused run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	CallID string `json:"tool_call_id"`
	Output string `json:"output"`
}

// RunError is the service-provided reason for a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a snapshot of a run.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	ToolCalls []ToolCall // set when Status is RunRequiresAction
	LastError *RunError
}

// Message is a thread message reduced to its text.
type Message struct {
	ID        string
	Role      Role
	Text      string
	RunID     string // run that authored the message, empty for user messages
	CreatedAt int64
}

// Client is the hosted assistant API used by the orchestrator.
type Client interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID string, role Role, text string) error
	StartRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error

	// ListMessages returns the thread's messages newest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// LatestAssistantText returns the text of the newest assistant message
// produced by runID in a newest-first list. Replies from earlier runs are
// never returned. ok is false when the run left no assistant text.
func LatestAssistantText(msgs []Message, runID string) (text string, ok bool) {
	for _, m := range msgs {
		if m.Role != RoleAssistant || m.RunID != runID {
			continue
		}
		if t := strings.TrimSpace(m.Text); t != "" {
			return m.Text, true
		}
	}
	return "", false
}
