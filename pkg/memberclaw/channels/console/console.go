// Package console implements a local terminal channel. Every line typed is
// an inbound message from a fixed user key, and replies are printed back.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
)

// Config configures the console channel.
type Config struct {
	// UserKey is the sender identity of typed lines (a phone number, so the
	// member lookup can resolve it).
	UserKey string

	// Prompt is the input prompt.
	Prompt string

	// HistoryFile keeps input history across sessions when set.
	HistoryFile string

	// Stdin and Stdout default to the process terminal.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console implements channels.Channel on top of readline.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl       *readline.Instance
	out      io.Writer
	outMu    sync.Mutex
	messages chan *channels.IncomingMessage
	done     chan struct{}

	connected atomic.Bool
	closeOnce sync.Once
	lastMsg   atomic.Int64
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserKey == "" {
		cfg.UserKey = "console"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		out:      cfg.Stdout,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the line editor and starts reading input.
func (c *Console) Connect(ctx context.Context) error {
	rlCfg := &readline.Config{
		Prompt:            c.cfg.Prompt,
		HistoryFile:       c.cfg.HistoryFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
	}
	if c.cfg.Stdin != nil {
		rlCfg.Stdin = c.cfg.Stdin
	}
	if c.cfg.Stdout != nil {
		rlCfg.Stdout = c.cfg.Stdout
	}

	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	c.rl = rl
	if c.out == nil {
		c.out = rl.Stdout()
	}
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

// Done is closed when the user leaves (exit, Ctrl+D or Ctrl+C on an
// empty line).
func (c *Console) Done() <-chan struct{} { return c.done }

// Disconnect closes the line editor.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Send prints a reply.
func (c *Console) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if c.out == nil {
		return channels.ErrChannelDisconnected
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "\n%s\n\n", msg.Content); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	if c.rl != nil {
		c.rl.Refresh()
	}
	return nil
}

// Receive returns the inbound stream.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether input is being read.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health reports the channel status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if ts := c.lastMsg.Load(); ts > 0 {
		h.LastMessageAt = time.Unix(0, ts)
	}
	return h
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if !c.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine emits line as a message. It returns false when the user asked
// to leave.
func (c *Console) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return true
	case "exit", "quit", "/quit":
		return false
	}

	msg := &channels.IncomingMessage{
		ID:        uuid.NewString(),
		Channel:   c.Name(),
		From:      c.cfg.UserKey,
		ChatID:    c.cfg.UserKey,
		Type:      channels.MessageText,
		Content:   line,
		Timestamp: time.Now(),
	}
	c.lastMsg.Store(msg.Timestamp.UnixNano())

	select {
	case c.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Console) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		close(c.messages)
	})
}
