package copilot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
)

func newTestOrchestrator(fa *fakeAssistant, tools ToolDispatcher, cfg TurnConfig) *Orchestrator {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	return NewOrchestrator(cfg, fa, tools, nil)
}

func echoExecutor() *ToolExecutor {
	exec := NewToolExecutor(nil)
	exec.Register("echo", func(ctx context.Context, id Identity, args map[string]any) (any, error) {
		return map[string]any{"user": id.UserKey, "said": args["text"]}, nil
	})
	exec.Freeze()
	return exec
}

func TestRunTurnToolLoop(t *testing.T) {
	fa := newFakeAssistant(
		assistant.Run{ID: "run-1", Status: assistant.RunQueued},
		assistant.Run{ID: "run-1", Status: assistant.RunRequiresAction, ToolCalls: []assistant.ToolCall{
			{ID: "call-a", Name: "echo", Arguments: `{"text":"a"}`},
			{ID: "call-b", Name: "missing"},
		}},
		assistant.Run{ID: "run-1", Status: assistant.RunInProgress},
		assistant.Run{ID: "run-1", Status: assistant.RunCompleted},
	)
	fa.messages = []assistant.Message{
		{ID: "m3", Role: assistant.RoleAssistant, Text: "Done!", RunID: "run-1"},
		{ID: "m2", Role: assistant.RoleUser, Text: "hi"},
		{ID: "m1", Role: assistant.RoleAssistant, Text: "old reply", RunID: "run-0"},
	}

	o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{})
	reply, err := o.RunTurn(context.Background(), Identity{UserKey: "u1"}, "thread-1", "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if reply != "Done!" {
		t.Errorf("reply = %q", reply)
	}

	if got := fa.appended["thread-1"]; len(got) != 1 || got[0] != "hi" {
		t.Errorf("appended = %v", got)
	}
	if len(fa.submitted) != 1 {
		t.Fatalf("submitted %d batches, want 1", len(fa.submitted))
	}
	outs := fa.submitted[0]
	if len(outs) != 2 {
		t.Fatalf("submitted %d outputs for 2 calls", len(outs))
	}
	if outs[0].CallID != "call-a" || !strings.Contains(outs[0].Output, `"said":"a"`) {
		t.Errorf("first output = %+v", outs[0])
	}
	if outs[1].CallID != "call-b" || outs[1].Output != `{"error":"unknown function: missing"}` {
		t.Errorf("second output = %+v", outs[1])
	}
}

func TestRunTurnToolRoundCap(t *testing.T) {
	fa := newFakeAssistant(assistant.Run{ID: "run-1", Status: assistant.RunRequiresAction, ToolCalls: []assistant.ToolCall{
		{ID: "c", Name: "echo"},
	}})

	o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{MaxToolRounds: 3})
	_, err := o.RunTurn(context.Background(), Identity{UserKey: "u1"}, "thread-1", "loop")
	if !errors.Is(err, ErrTurnAborted) {
		t.Fatalf("expected ErrTurnAborted, got %v", err)
	}
	var te *TurnError
	if !errors.As(err, &te) || te.Phase != PhaseToolDispatch || te.RunID != "run-1" {
		t.Errorf("unexpected turn error %#v", err)
	}
	if len(fa.submitted) != 3 {
		t.Errorf("submitted %d rounds, want 3", len(fa.submitted))
	}
	if len(fa.cancelled) != 1 || fa.cancelled[0] != "run-1" {
		t.Errorf("cancelled = %v", fa.cancelled)
	}
}

func TestRunTurnNoAssistantReply(t *testing.T) {
	tests := []struct {
		name     string
		messages []assistant.Message
	}{
		{"empty thread", nil},
		{"only earlier run", []assistant.Message{
			{Role: assistant.RoleAssistant, Text: "previous answer", RunID: "run-0"},
		}},
		{"blank text", []assistant.Message{
			{Role: assistant.RoleAssistant, Text: "  \n", RunID: "run-1"},
		}},
		{"only user messages", []assistant.Message{
			{Role: assistant.RoleUser, Text: "hello", RunID: "run-1"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := newFakeAssistant(assistant.Run{ID: "run-1", Status: assistant.RunCompleted})
			fa.messages = tt.messages

			o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{})
			_, err := o.RunTurn(context.Background(), Identity{}, "thread-1", "hi")
			if !errors.Is(err, ErrNoAssistantReply) {
				t.Fatalf("expected ErrNoAssistantReply, got %v", err)
			}
			var te *TurnError
			if !errors.As(err, &te) || te.Phase != PhaseReply {
				t.Errorf("phase = %v", te)
			}
		})
	}
}

func TestRunTurnTerminalFailure(t *testing.T) {
	for _, status := range []assistant.RunStatus{assistant.RunFailed, assistant.RunCancelled, assistant.RunExpired} {
		t.Run(string(status), func(t *testing.T) {
			fa := newFakeAssistant(
				assistant.Run{ID: "run-1", Status: assistant.RunInProgress},
				assistant.Run{ID: "run-1", Status: status, LastError: &assistant.RunError{Code: "server_error", Message: "boom"}},
			)
			o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{})
			_, err := o.RunTurn(context.Background(), Identity{}, "thread-1", "hi")
			if !errors.Is(err, ErrRunFailed) {
				t.Fatalf("expected ErrRunFailed, got %v", err)
			}
			if !strings.Contains(err.Error(), "boom") {
				t.Errorf("error should carry the service reason: %v", err)
			}
		})
	}
}

func TestRunTurnTimeout(t *testing.T) {
	fa := newFakeAssistant(assistant.Run{ID: "run-1", Status: assistant.RunInProgress})

	o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	_, err := o.RunTurn(context.Background(), Identity{}, "thread-1", "hi")
	if !errors.Is(err, ErrTurnAborted) {
		t.Fatalf("expected ErrTurnAborted, got %v", err)
	}
	if len(fa.cancelled) != 1 {
		t.Errorf("run should be cancelled after timeout, cancelled = %v", fa.cancelled)
	}
}

func TestRunTurnTimeoutDuringToolSubmit(t *testing.T) {
	fa := newFakeAssistant(assistant.Run{
		ID:        "run-1",
		Status:    assistant.RunRequiresAction,
		ToolCalls: []assistant.ToolCall{{ID: "call-1", Name: "echo", Arguments: `{"text":"x"}`}},
	})
	fa.submitDelay = time.Second

	o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{Timeout: 30 * time.Millisecond})
	_, err := o.RunTurn(context.Background(), Identity{}, "thread-1", "hi")
	if !errors.Is(err, ErrTurnAborted) {
		t.Fatalf("expected ErrTurnAborted, got %v", err)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.cancelled) != 1 || fa.cancelled[0] != "run-1" {
		t.Errorf("run should be cancelled after a submit timeout, cancelled = %v", fa.cancelled)
	}
}

func TestRunTurnSubmitFailure(t *testing.T) {
	fa := newFakeAssistant(assistant.Run{ID: "run-1", Status: assistant.RunCompleted})
	fa.appendErr = errors.New("thread locked")

	o := newTestOrchestrator(fa, echoExecutor(), TurnConfig{})
	_, err := o.RunTurn(context.Background(), Identity{}, "thread-1", "hi")
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TurnError, got %v", err)
	}
	if te.Phase != PhaseSubmit {
		t.Errorf("phase = %s, want %s", te.Phase, PhaseSubmit)
	}
	if errors.Is(err, ErrTurnAborted) {
		t.Error("a plain API error must not be reported as aborted")
	}
}
