package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
)

const (
	// DefaultMaxToolRounds caps requires_action rounds in one turn.
	DefaultMaxToolRounds = 10

	// DefaultTurnTimeout bounds a whole turn.
	DefaultTurnTimeout = 2 * time.Minute

	// DefaultPollInterval is the delay between run status polls.
	DefaultPollInterval = 500 * time.Millisecond
)

// TurnConfig configures the orchestrator.
type TurnConfig struct {
	AssistantID   string        `yaml:"assistant_id"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// DefaultTurnConfig returns the orchestrator defaults.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		MaxToolRounds: DefaultMaxToolRounds,
		Timeout:       DefaultTurnTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// ToolDispatcher executes a batch of tool calls, one output per call.
type ToolDispatcher interface {
	Execute(ctx context.Context, id Identity, calls []ToolInvocation) []ToolOutput
}

// Orchestrator drives one user turn against the assistant service.
type Orchestrator struct {
	cfg     TurnConfig
	client  assistant.Client
	tools   ToolDispatcher
	logger  *slog.Logger
	metrics *Metrics
}

// NewOrchestrator creates an orchestrator. Zero config fields take defaults.
func NewOrchestrator(cfg TurnConfig, client assistant.Client, tools ToolDispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultTurnConfig()
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = d.MaxToolRounds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	return &Orchestrator{
		cfg:    cfg,
		client: client,
		tools:  tools,
		logger: logger.With("component", "orchestrator"),
	}
}

// SetMetrics attaches Prometheus collectors.
func (o *Orchestrator) SetMetrics(m *Metrics) { o.metrics = m }

// RunTurn appends text to the thread, runs the assistant until it settles
// and returns the reply. Every failure is a *TurnError.
func (o *Orchestrator) RunTurn(ctx context.Context, id Identity, threadID, text string) (string, error) {
	start := time.Now()
	reply, err := o.runTurn(ctx, id, threadID, text)
	o.metrics.observeRun(err, time.Since(start))
	return reply, err
}

func (o *Orchestrator) runTurn(ctx context.Context, id Identity, threadID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	logger := o.logger.With("user", id.UserKey, "thread_id", threadID)

	if err := o.client.AppendMessage(ctx, threadID, assistant.RoleUser, text); err != nil {
		return "", o.turnError(ctx, PhaseSubmit, "", err)
	}
	run, err := o.client.StartRun(ctx, threadID, o.cfg.AssistantID)
	if err != nil {
		return "", o.turnError(ctx, PhaseSubmit, "", err)
	}
	logger = logger.With("run_id", run.ID)
	logger.Debug("run started", "status", run.Status)

	rounds := 0
	for {
		switch {
		case run.Status.Pending():
			if err := o.wait(ctx); err != nil {
				o.cancelRun(threadID, run.ID, logger)
				return "", o.turnError(ctx, PhasePoll, run.ID, err)
			}
			next, err := o.client.GetRun(ctx, threadID, run.ID)
			if err != nil {
				if ctx.Err() != nil {
					o.cancelRun(threadID, run.ID, logger)
				}
				return "", o.turnError(ctx, PhasePoll, run.ID, err)
			}
			run = next

		case run.Status == assistant.RunRequiresAction:
			rounds++
			if rounds > o.cfg.MaxToolRounds {
				logger.Warn("tool round limit reached", "rounds", o.cfg.MaxToolRounds)
				o.cancelRun(threadID, run.ID, logger)
				return "", &TurnError{
					Phase: PhaseToolDispatch,
					RunID: run.ID,
					Err:   fmt.Errorf("%w: more than %d tool rounds", ErrTurnAborted, o.cfg.MaxToolRounds),
				}
			}

			calls := make([]ToolInvocation, len(run.ToolCalls))
			for i, tc := range run.ToolCalls {
				calls[i] = ToolInvocation{CallID: tc.ID, FunctionName: tc.Name, Arguments: tc.Arguments}
			}
			logger.Info("dispatching tool calls", "round", rounds, "calls", len(calls))
			outputs := o.tools.Execute(ctx, id, calls)

			next, err := o.client.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
			if err != nil {
				if ctx.Err() != nil {
					o.cancelRun(threadID, run.ID, logger)
				}
				return "", o.turnError(ctx, PhaseToolDispatch, run.ID, err)
			}
			run = next

		case run.Status == assistant.RunCompleted:
			msgs, err := o.client.ListMessages(ctx, threadID)
			if err != nil {
				return "", o.turnError(ctx, PhaseReply, run.ID, err)
			}
			reply, ok := assistant.LatestAssistantText(msgs, run.ID)
			if !ok {
				logger.Error("run completed without assistant reply")
				return "", &TurnError{Phase: PhaseReply, RunID: run.ID, Err: ErrNoAssistantReply}
			}
			logger.Info("turn completed", "tool_rounds", rounds, "reply_len", len(reply))
			return reply, nil

		default:
			reason := ""
			if run.LastError != nil {
				reason = run.LastError.Code + ": " + run.LastError.Message
			}
			logger.Warn("run ended unsuccessfully", "status", run.Status, "reason", reason)
			return "", &TurnError{
				Phase: PhasePoll,
				RunID: run.ID,
				Err:   fmt.Errorf("%w: status %s %s", ErrRunFailed, run.Status, reason),
			}
		}
	}
}

func (o *Orchestrator) wait(ctx context.Context) error {
	t := time.NewTimer(o.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// turnError wraps err for phase. A turn whose deadline passed is reported
// as aborted regardless of which call noticed it.
func (o *Orchestrator) turnError(ctx context.Context, phase TurnPhase, runID string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: turn timed out after %s: %w", ErrTurnAborted, o.cfg.Timeout, err)
	}
	return &TurnError{Phase: phase, RunID: runID, Err: err}
}

// cancelRun stops an abandoned run so it does not keep the thread locked.
func (o *Orchestrator) cancelRun(threadID, runID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.client.CancelRun(ctx, threadID, runID); err != nil {
		logger.Warn("failed to cancel run", "error", err)
	}
}
