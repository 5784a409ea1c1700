// Package copilot is the membership assistant core: the per-user session
// registry, the tool dispatch registry, the run orchestrator and the
// inbound gateway that ties them to a messaging channel.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
)

// DefaultToolTimeout bounds a single handler call.
const DefaultToolTimeout = 20 * time.Second

// Identity is the acting user on whose behalf tools run.
type Identity struct {
	// UserKey is the channel sender identifier (phone number on WhatsApp).
	UserKey string

	// MemberID is the backend member identifier, empty when the user key
	// does not resolve to a member.
	MemberID string
}

// ToolInvocation is one function call requested by a paused run.
type ToolInvocation struct {
	CallID       string
	FunctionName string
	Arguments    string
}

// ToolOutput answers one invocation; it is submitted back to the run.
type ToolOutput = assistant.ToolOutput

// ToolHandlerFunc implements a tool. The returned value is serialized to
// JSON (strings are sent as-is); a returned error becomes an error payload.
type ToolHandlerFunc func(ctx context.Context, id Identity, args map[string]any) (any, error)

// ToolExecutorConfig tunes dispatch.
type ToolExecutorConfig struct {
	// Timeout bounds each handler call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxParallel caps concurrent handlers in one batch (1 = sequential).
	MaxParallel int `yaml:"max_parallel"`
}

// ToolExecutor is the tool dispatch registry. Handlers are registered at
// startup; after Freeze the table is read-only.
type ToolExecutor struct {
	tools       map[string]ToolHandlerFunc
	frozen      bool
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
	metrics     *Metrics
	mu          sync.RWMutex
}

// NewToolExecutor creates an empty registry.
func NewToolExecutor(logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		tools:       make(map[string]ToolHandlerFunc),
		timeout:     DefaultToolTimeout,
		maxParallel: 4,
		logger:      logger.With("component", "tool_executor"),
	}
}

// Configure applies non-zero settings.
func (e *ToolExecutor) Configure(cfg ToolExecutorConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Timeout > 0 {
		e.timeout = cfg.Timeout
	}
	if cfg.MaxParallel > 0 {
		e.maxParallel = cfg.MaxParallel
	}
}

// SetMetrics attaches Prometheus collectors.
func (e *ToolExecutor) SetMetrics(m *Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// Register adds a handler. Registering after Freeze, or registering the
// same name twice, is a programming error and panics.
func (e *ToolExecutor) Register(name string, handler ToolHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		panic(fmt.Sprintf("copilot: tool %q registered after Freeze", name))
	}
	if _, dup := e.tools[name]; dup {
		panic(fmt.Sprintf("copilot: tool %q registered twice", name))
	}
	e.tools[name] = handler
}

// Freeze makes the registry read-only.
func (e *ToolExecutor) Freeze() {
	e.mu.Lock()
	e.frozen = true
	e.mu.Unlock()
}

// HasTool reports whether name is registered.
func (e *ToolExecutor) HasTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// ToolNames returns the registered names, sorted.
func (e *ToolExecutor) ToolNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches a batch and returns exactly one output per invocation,
// in input order, each carrying its invocation's call id. Failures of any
// kind are reported inside the output as {"error": "..."}.
func (e *ToolExecutor) Execute(ctx context.Context, id Identity, calls []ToolInvocation) []ToolOutput {
	e.mu.RLock()
	maxParallel := e.maxParallel
	e.mu.RUnlock()

	outputs := make([]ToolOutput, len(calls))
	if maxParallel <= 1 || len(calls) <= 1 {
		for i, call := range calls {
			outputs[i] = e.executeSingle(ctx, id, call)
		}
		return outputs
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolInvocation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outputs[idx] = e.executeSingle(ctx, id, tc)
		}(i, call)
	}
	wg.Wait()
	return outputs
}

func (e *ToolExecutor) executeSingle(ctx context.Context, id Identity, call ToolInvocation) (out ToolOutput) {
	name := call.FunctionName
	out.CallID = call.CallID

	e.mu.RLock()
	handler, ok := e.tools[name]
	timeout := e.timeout
	metrics := e.metrics
	e.mu.RUnlock()

	if !ok {
		e.logger.Warn("unknown function called", "function", name)
		metrics.observeTool(name, true)
		out.Output = formatToolError(fmt.Errorf("unknown function: %s", name))
		return out
	}

	args, err := parseToolArgs(call.Arguments)
	if err != nil {
		e.logger.Warn("tool argument parse error", "function", name, "error", err)
		metrics.observeTool(name, true)
		out.Output = formatToolError(fmt.Errorf("error parsing arguments: %w", err))
		return out
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.invoke(execCtx, handler, id, args)
	duration := time.Since(start)

	metrics.observeTool(name, err != nil)

	if err != nil {
		e.logger.Warn("tool execution failed",
			"function", name,
			"user", id.UserKey,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		out.Output = formatToolError(err)
		return out
	}

	out.Output = formatToolOutput(result)
	e.logger.Info("tool executed",
		"function", name,
		"user", id.UserKey,
		"duration_ms", duration.Milliseconds(),
		"output_len", len(out.Output),
	)
	return out
}

type handlerResult struct {
	value any
	err   error
}

// invoke runs handler, converting a panic into an error. A handler that
// ignores ctx is abandoned when ctx expires so the batch still completes.
func (e *ToolExecutor) invoke(ctx context.Context, handler ToolHandlerFunc, id Identity, args map[string]any) (any, error) {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool handler panicked", "panic", r, "stack", string(debug.Stack()))
				done <- handlerResult{err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		v, err := handler(ctx, id, args)
		done <- handlerResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool timed out: %w", ctx.Err())
	}
}

// parseToolArgs decodes the JSON argument object; empty means no arguments.
func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if args == nil {
		return nil, fmt.Errorf("invalid JSON arguments: not an object")
	}
	return args, nil
}

// maxToolErrorBytes caps the error text submitted as a tool output.
const maxToolErrorBytes = 2000

// formatToolError renders the error payload the assistant receives.
func formatToolError(err error) string {
	msg := err.Error()
	if len(msg) > maxToolErrorBytes {
		cut := maxToolErrorBytes
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "... (truncated)"
	}
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// formatToolOutput converts a handler result to the submitted output string.
func formatToolOutput(output any) string {
	if output == nil {
		return `{"ok":true}`
	}

	switch v := output.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return formatToolError(fmt.Errorf("encoding result: %w", err))
		}
		return string(b)
	}
}

// ---------- Argument helpers ----------

// StringArg returns args[key] as a string.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// RequireString returns args[key] or an error when it is missing or empty.
func RequireString(args map[string]any, key string) (string, error) {
	v := StringArg(args, key)
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

// Int64Arg returns args[key] as an int64. JSON numbers decode as float64.
func Int64Arg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
