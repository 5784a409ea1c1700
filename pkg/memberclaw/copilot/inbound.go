package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
)

// Outcome summarizes how an inbound message was handled.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeReset     Outcome = "reset"
	OutcomeThrottled Outcome = "throttled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeIgnored   Outcome = "ignored"
)

// noticeKind identifies the error condition a notice was sent for.
type noticeKind string

const (
	noticeThrottled noticeKind = "throttled"
	noticeTooLong   noticeKind = "too_long"
	noticeAdmission noticeKind = "admission_failed"
	noticeTurn      noticeKind = "turn_failed"
)

// ReplyConfig holds the user-facing texts and outbound limits.
type ReplyConfig struct {
	ChunkChars        int    `yaml:"chunk_chars"`
	ResetCommand      string `yaml:"reset_command"`
	ResetConfirmation string `yaml:"reset_confirmation"`
	ThrottledNotice   string `yaml:"throttled_notice"`
	TooLongNotice     string `yaml:"too_long_notice"`
	FailureNotice     string `yaml:"failure_notice"`

	// NoticeCacheSize bounds how many users' last notice is remembered.
	NoticeCacheSize int `yaml:"notice_cache_size"`

	// QuoteReplies makes the first reply chunk quote the inbound message.
	QuoteReplies bool `yaml:"quote_replies"`
}

// DefaultReplyConfig returns the default texts.
func DefaultReplyConfig() ReplyConfig {
	return ReplyConfig{
		ChunkChars:        DefaultReplyChunkChars,
		ResetCommand:      "!reset",
		ResetConfirmation: "Your conversation was reset. Send a new message to start over.",
		ThrottledNotice:   "You have reached the daily conversation limit. Please try again tomorrow.",
		TooLongNotice:     fmt.Sprintf("Please keep your message under %d characters.", DefaultMaxMessageChars),
		FailureNotice:     "Sorry, something went wrong. Please try again later.",
		NoticeCacheSize:   10000,
	}
}

func (c ReplyConfig) withDefaults() ReplyConfig {
	d := DefaultReplyConfig()
	if c.ChunkChars <= 0 {
		c.ChunkChars = d.ChunkChars
	}
	if c.ResetCommand == "" {
		c.ResetCommand = d.ResetCommand
	}
	if c.ResetConfirmation == "" {
		c.ResetConfirmation = d.ResetConfirmation
	}
	if c.ThrottledNotice == "" {
		c.ThrottledNotice = d.ThrottledNotice
	}
	if c.TooLongNotice == "" {
		c.TooLongNotice = d.TooLongNotice
	}
	if c.FailureNotice == "" {
		c.FailureNotice = d.FailureNotice
	}
	if c.NoticeCacheSize <= 0 {
		c.NoticeCacheSize = d.NoticeCacheSize
	}
	return c
}

// InboundMessage is one message from a user.
type InboundMessage struct {
	// UserKey identifies the sender across messages (phone number).
	UserKey string

	// Body is the raw message text.
	Body string

	// ReplyTarget is where replies are sent (chat JID or phone number).
	ReplyTarget string

	// MessageID is the transport message id, used to quote replies.
	MessageID string
}

// ReplySender delivers outbound text. channels.Channel satisfies it.
type ReplySender interface {
	Send(ctx context.Context, to string, message *channels.OutgoingMessage) error
}

// TurnRunner runs one assistant turn. *Orchestrator satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, id Identity, threadID, text string) (string, error)
}

type typingSender interface {
	SendTyping(ctx context.Context, to string) error
}

// Gateway is the single entry point for inbound messages.
type Gateway struct {
	cfg      ReplyConfig
	sessions *SessionRegistry
	turns    TurnRunner
	lookup   MemberLookup
	sender   ReplySender
	logger   *slog.Logger
	metrics  *Metrics

	// notices holds the last notice kind shown to each user.
	notices *lru.Cache[string, noticeKind]
	locks   keyedMutex
}

// NewGateway wires the gateway. lookup may be nil.
func NewGateway(cfg ReplyConfig, sessions *SessionRegistry, turns TurnRunner, lookup MemberLookup, sender ReplySender, logger *slog.Logger) (*Gateway, error) {
	if sender == nil {
		return nil, errors.New("gateway needs a reply sender")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	notices, err := lru.New[string, noticeKind](cfg.NoticeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating notice cache: %w", err)
	}
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		turns:    turns,
		lookup:   lookup,
		sender:   sender,
		logger:   logger.With("component", "gateway"),
		notices:  notices,
		locks:    keyedMutex{locks: make(map[string]*userLock)},
	}, nil
}

// SetMetrics attaches Prometheus collectors.
func (g *Gateway) SetMetrics(m *Metrics) { g.metrics = m }

// Sessions exposes the registry for admin endpoints.
func (g *Gateway) Sessions() *SessionRegistry { return g.sessions }

// HandleInboundMessage processes one message end to end. It never panics
// and never returns an error: every failure ends in at most one notice to
// the user.
func (g *Gateway) HandleInboundMessage(ctx context.Context, msg InboundMessage) (outcome Outcome) {
	turnID := uuid.NewString()
	logger := g.logger.With("user", msg.UserKey, "turn_id", turnID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message", "panic", r, "stack", string(debug.Stack()))
			outcome = OutcomeFailed
			g.notifyAfterPanic(ctx, logger, msg)
		}
		g.metrics.observeTurn(outcome)
		logger.Info("message handled", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	}()

	text := strings.TrimSpace(msg.Body)
	if text == "" || msg.UserKey == "" {
		return OutcomeIgnored
	}
	if msg.ReplyTarget == "" {
		msg.ReplyTarget = msg.UserKey
	}

	unlock := g.locks.Lock(msg.UserKey)
	defer unlock()

	if text == g.cfg.ResetCommand {
		g.sessions.Reset(msg.UserKey)
		g.notices.Remove(msg.UserKey)
		g.send(ctx, logger, msg.ReplyTarget, g.cfg.ResetConfirmation, "")
		return OutcomeReset
	}

	if err := g.sessions.ValidateMessage(text); err != nil {
		logger.Info("message rejected", "error", err)
		g.notify(ctx, logger, msg, noticeTooLong, g.cfg.TooLongNotice)
		return OutcomeRejected
	}

	threadID, err := g.sessions.GetOrCreateThread(ctx, msg.UserKey)
	if err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			g.notify(ctx, logger, msg, noticeThrottled, g.cfg.ThrottledNotice)
			return OutcomeThrottled
		}
		logger.Error("failed to get thread", "error", err)
		g.notify(ctx, logger, msg, noticeAdmission, g.cfg.FailureNotice)
		return OutcomeFailed
	}
	logger = logger.With("thread_id", threadID)

	if err := g.sessions.RecordTurn(msg.UserKey, threadID, text); err != nil {
		g.notify(ctx, logger, msg, noticeTooLong, g.cfg.TooLongNotice)
		return OutcomeRejected
	}

	// Admission succeeded: forget admission notices. A turn-failure notice
	// stays until a reply is delivered so retrying a failing turn is not
	// answered with the same notice again.
	if kind, ok := g.notices.Peek(msg.UserKey); ok && kind != noticeTurn {
		g.notices.Remove(msg.UserKey)
	}

	if ts, ok := g.sender.(typingSender); ok {
		if err := ts.SendTyping(ctx, msg.ReplyTarget); err != nil {
			logger.Debug("typing indicator failed", "error", err)
		}
	}

	id := g.identity(ctx, logger, msg.UserKey)
	reply, err := g.turns.RunTurn(ctx, id, threadID, text)
	if err != nil {
		logger.Error("turn failed", "error", err)
		g.notify(ctx, logger, msg, noticeTurn, g.cfg.FailureNotice)
		return OutcomeFailed
	}
	g.notices.Remove(msg.UserKey)

	quote := ""
	if g.cfg.QuoteReplies {
		quote = msg.MessageID
	}
	for i, chunk := range SplitReply(reply, g.cfg.ChunkChars) {
		if !g.send(ctx, logger, msg.ReplyTarget, chunk, quote) {
			logger.Warn("reply delivery stopped", "chunk", i)
			break
		}
		quote = ""
	}
	return OutcomeReplied
}

// HandleIncoming adapts a channel message; it is the channels.Handler the
// dispatcher runs.
func (g *Gateway) HandleIncoming(ctx context.Context, msg *channels.IncomingMessage) {
	if msg.Type != "" && msg.Type != channels.MessageText {
		return
	}
	g.HandleInboundMessage(ctx, InboundMessage{
		UserKey:     msg.From,
		Body:        msg.Content,
		ReplyTarget: msg.ChatID,
		MessageID:   msg.ID,
	})
}

// ResetUser clears a user's thread and notice state without messaging them.
func (g *Gateway) ResetUser(userKey string) bool {
	unlock := g.locks.Lock(userKey)
	defer unlock()
	g.notices.Remove(userKey)
	return g.sessions.Reset(userKey)
}

func (g *Gateway) identity(ctx context.Context, logger *slog.Logger, userKey string) Identity {
	id := Identity{UserKey: userKey}
	if g.lookup == nil {
		return id
	}
	profile, err := g.lookup.LookupByUserKey(ctx, userKey)
	if err != nil {
		logger.Warn("member lookup failed", "error", err)
		return id
	}
	if profile != nil {
		id.MemberID = profile.MemberID
	}
	return id
}

// notify sends text unless a notice of the same kind is the last one this
// user saw. A notice counts as seen only once it was delivered.
func (g *Gateway) notify(ctx context.Context, logger *slog.Logger, msg InboundMessage, kind noticeKind, text string) {
	if last, ok := g.notices.Get(msg.UserKey); ok && last == kind {
		g.metrics.observeNotice(false)
		logger.Debug("duplicate notice suppressed", "kind", kind)
		return
	}
	if !g.send(ctx, logger, msg.ReplyTarget, text, "") {
		return
	}
	g.notices.Add(msg.UserKey, kind)
	g.metrics.observeNotice(true)
}

func (g *Gateway) notifyAfterPanic(ctx context.Context, logger *slog.Logger, msg InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while sending failure notice", "panic", r)
		}
	}()
	if msg.ReplyTarget == "" {
		msg.ReplyTarget = msg.UserKey
	}
	g.notify(ctx, logger, msg, noticeTurn, g.cfg.FailureNotice)
}

// send delivers one message; failures are logged as TransportError.
func (g *Gateway) send(ctx context.Context, logger *slog.Logger, to, text, quote string) bool {
	if err := g.sender.Send(ctx, to, &channels.OutgoingMessage{Content: text, ReplyTo: quote}); err != nil {
		logger.Error("send failed", "error", &TransportError{To: to, Err: err})
		return false
	}
	return true
}

// keyedMutex serializes work per key; unrelated keys never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &userLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
