package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config configures the OpenAI Assistants client.
type Config struct {
	// BaseURL is the API root (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Usually resolved from the keyring or
	// environment rather than stored in the config file.
	APIKey string `yaml:"api_key"`

	// AssistantID is the pre-configured assistant that runs every turn.
	AssistantID string `yaml:"assistant_id"`

	// RequestTimeout bounds a single HTTP call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MessagesPageSize is how many recent messages are fetched to find a reply.
	MessagesPageSize int `yaml:"messages_page_size"`

	// MaxRetries is how many times a read (GET) is repeated after a 429 or
	// 5xx. Writes are never repeated.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the first retry delay; it doubles per attempt up to
	// maxRetryBackoff. A Retry-After header takes precedence.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

const maxRetryBackoff = 10 * time.Second

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "https://api.openai.com/v1",
		RequestTimeout:   30 * time.Second,
		MessagesPageSize: 20,
		MaxRetries:       2,
		RetryBackoff:     time.Second,
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode    int
	Body          string
	RetryAfterSec int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Retryable reports whether the request may succeed if repeated later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// OpenAIClient talks to the OpenAI Assistants v2 REST API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	pageSize   int
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client. A nil logger uses slog.Default().
func NewOpenAIClient(cfg Config, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MessagesPageSize <= 0 {
		cfg.MessagesPageSize = 20
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		pageSize:   cfg.MessagesPageSize,
		timeout:    cfg.RequestTimeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With("component", "assistant"),
	}
}

// ---------- Wire types ----------

type threadObject struct {
	ID string `json:"id"`
}

type runObject struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Status         RunStatus `json:"status"`
	LastError      *RunError `json:"last_error"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
}

func (r *runObject) toRun() *Run {
	run := &Run{ID: r.ID, ThreadID: r.ThreadID, Status: r.Status, LastError: r.LastError}
	if r.RequiredAction != nil {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return run
}

type messageObject struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	RunID     string `json:"run_id"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type messageList struct {
	Data []messageObject `json:"data"`
}

// ---------- API ----------

// CreateThread creates an empty thread.
func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	var th threadObject
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &th); err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return th.ID, nil
}

// AppendMessage adds a text message to a thread.
func (c *OpenAIClient) AppendMessage(ctx context.Context, threadID string, role Role, text string) error {
	body := map[string]any{"role": role, "content": text}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, nil); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// StartRun starts the assistant on a thread.
func (c *OpenAIClient) StartRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	var r runObject
	body := map[string]any{"assistant_id": assistantID}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &r); err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	return r.toRun(), nil
}

// GetRun retrieves the current state of a run.
func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var r runObject
	if err := c.do(ctx, http.MethodGet, c.runPath(threadID, runID), nil, &r); err != nil {
		return nil, fmt.Errorf("polling run: %w", err)
	}
	return r.toRun(), nil
}

// SubmitToolOutputs resumes a run paused in requires_action.
func (c *OpenAIClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	var r runObject
	body := map[string]any{"tool_outputs": outputs}
	if err := c.do(ctx, http.MethodPost, c.runPath(threadID, runID)+"/submit_tool_outputs", body, &r); err != nil {
		return nil, fmt.Errorf("submitting tool outputs: %w", err)
	}
	return r.toRun(), nil
}

// CancelRun asks the service to stop a run.
func (c *OpenAIClient) CancelRun(ctx context.Context, threadID, runID string) error {
	if err := c.do(ctx, http.MethodPost, c.runPath(threadID, runID)+"/cancel", struct{}{}, nil); err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}
	return nil
}

// ListMessages returns the most recent page of messages, newest first.
func (c *OpenAIClient) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var list messageList
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=" + strconv.Itoa(c.pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	msgs := make([]Message, 0, len(list.Data))
	for _, m := range list.Data {
		var sb strings.Builder
		for _, part := range m.Content {
			if part.Type != "text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text.Value)
		}
		msgs = append(msgs, Message{
			ID:        m.ID,
			Role:      m.Role,
			Text:      sb.String(),
			RunID:     m.RunID,
			CreatedAt: m.CreatedAt,
		})
	}
	return msgs, nil
}

func (c *OpenAIClient) runPath(threadID, runID string) string {
	return "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
}

// do performs a JSON request. A nil in skips the body, a nil out discards
// the response. GETs that fail with a retryable APIError are repeated with
// exponential backoff; other methods are not idempotent and run once.
func (c *OpenAIClient) do(ctx context.Context, method, path string, in, out any) error {
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, in, out)
		apierr, ok := err.(*APIError)
		if err == nil || !ok || !apierr.Retryable() || attempt >= retries {
			return err
		}

		// Compute backoff: min(initial * 2^attempt, maxRetryBackoff)
		backoff := c.backoff
		for i := 0; i < attempt && backoff < maxRetryBackoff; i++ {
			backoff *= 2
		}
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		if apierr.RetryAfterSec > 0 {
			backoff = time.Duration(apierr.RetryAfterSec) * time.Second
		}
		c.logger.Info("transient API error, retrying",
			"path", path,
			"status", apierr.StatusCode,
			"attempt", attempt+1,
			"backoff", backoff,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (c *OpenAIClient) doOnce(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apierr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.RetryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return apierr
	}

	c.logger.Debug("API call done",
		"method", method,
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
