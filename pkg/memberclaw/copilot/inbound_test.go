package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type gatewayHarness struct {
	gw       *Gateway
	sessions *SessionRegistry
	client   *fakeAssistant
	sender   *fakeSender
	clock    *fakeClock
}

func newGatewayHarness(t *testing.T, cfg ReplyConfig, scfg SessionConfig, turns TurnRunner) *gatewayHarness {
	t.Helper()
	fa := newFakeAssistant()
	clock := newFakeClock()
	sessions := NewSessionRegistry(scfg, fa, nil, nil)
	sessions.now = clock.Now
	sender := &fakeSender{}

	gw, err := NewGateway(cfg, sessions, turns, nil, sender, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return &gatewayHarness{gw: gw, sessions: sessions, client: fa, sender: sender, clock: clock}
}

func replyWith(text string) TurnRunner {
	return turnFunc(func(ctx context.Context, id Identity, threadID, _ string) (string, error) {
		return text, nil
	})
}

func failWith(err error) TurnRunner {
	return turnFunc(func(ctx context.Context, id Identity, threadID, _ string) (string, error) {
		return "", err
	})
}

func inbound(body string) InboundMessage {
	return InboundMessage{UserKey: "5511999990001", Body: body, ReplyTarget: "5511999990001@s.whatsapp.net", MessageID: "MSG1"}
}

func TestHandleInboundReply(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("Hello, Ana!"))
	ctx := context.Background()

	if got := h.gw.HandleInboundMessage(ctx, inbound("  hi  ")); got != OutcomeReplied {
		t.Fatalf("outcome = %s", got)
	}

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].Content != "Hello, Ana!" {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].To != "5511999990001@s.whatsapp.net" {
		t.Errorf("sent to %s", sent[0].To)
	}
	if sent[0].ReplyTo != "" {
		t.Error("replies are not quoted unless configured")
	}
	if h.sender.typing != 1 {
		t.Errorf("typing = %d, want 1", h.sender.typing)
	}

	s, _ := h.sessions.Snapshot("5511999990001")
	if s.MessageCount != 1 || s.ThreadID == "" {
		t.Errorf("session = %+v", s)
	}
}

func TestHandleInboundChunkedReply(t *testing.T) {
	long := strings.Repeat("a", DefaultReplyChunkChars) + strings.Repeat("b", DefaultReplyChunkChars) + "ccc"
	h := newGatewayHarness(t, ReplyConfig{QuoteReplies: true}, SessionConfig{}, replyWith(long))

	h.gw.HandleInboundMessage(context.Background(), inbound("tell me everything"))

	sent := h.sender.messages()
	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}
	var b strings.Builder
	for i, m := range sent {
		b.WriteString(m.Content)
		wantQuote := ""
		if i == 0 {
			wantQuote = "MSG1"
		}
		if m.ReplyTo != wantQuote {
			t.Errorf("chunk %d quotes %q, want %q", i, m.ReplyTo, wantQuote)
		}
	}
	if b.String() != long {
		t.Error("chunks out of order or altered")
	}
}

func TestHandleInboundStopsOnSendFailure(t *testing.T) {
	long := strings.Repeat("x", DefaultReplyChunkChars*3)
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith(long))
	h.sender.failAt = 2
	h.sender.sendErr = errors.New("socket closed")

	if got := h.gw.HandleInboundMessage(context.Background(), inbound("hi")); got != OutcomeReplied {
		t.Fatalf("outcome = %s", got)
	}
	if n := len(h.sender.messages()); n != 1 {
		t.Errorf("delivered %d chunks, want 1 (stop after the failed one)", n)
	}
}

func TestRepeatedFailureSendsOneNotice(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no assistant reply", &TurnError{Phase: PhaseReply, Err: ErrNoAssistantReply}},
		{"aborted", &TurnError{Phase: PhaseToolDispatch, Err: ErrTurnAborted}},
		{"transport", errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, failWith(tt.err))
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				if got := h.gw.HandleInboundMessage(ctx, inbound("hi")); got != OutcomeFailed {
					t.Fatalf("attempt %d outcome = %s", i+1, got)
				}
			}
			sent := h.sender.messages()
			if len(sent) != 1 {
				t.Fatalf("sent %d notices, want 1", len(sent))
			}
			if sent[0].Content != DefaultReplyConfig().FailureNotice {
				t.Errorf("notice = %q", sent[0].Content)
			}
		})
	}
}

func TestUndeliveredNoticeIsRetried(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, failWith(&TurnError{Phase: PhaseReply, Err: ErrNoAssistantReply}))
	h.sender.failAt = 1
	h.sender.sendErr = errors.New("socket closed")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.gw.HandleInboundMessage(ctx, inbound("hi"))
	}
	// The first notice is lost in transport, the second reaches the user
	// and the third is a duplicate.
	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].Content != DefaultReplyConfig().FailureNotice {
		t.Fatalf("sent = %+v, want exactly one failure notice", sent)
	}
}

func TestNoticeClearsAfterSuccessfulReply(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	turns := turnFunc(func(ctx context.Context, id Identity, threadID, _ string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", ErrRunFailed
		}
		return "ok", nil
	})
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, turns)
	ctx := context.Background()
	setFail := func(v bool) { mu.Lock(); fail = v; mu.Unlock() }

	setFail(true)
	h.gw.HandleInboundMessage(ctx, inbound("a"))
	setFail(false)
	h.gw.HandleInboundMessage(ctx, inbound("b"))
	setFail(true)
	h.gw.HandleInboundMessage(ctx, inbound("c"))

	var contents []string
	for _, m := range h.sender.messages() {
		contents = append(contents, m.Content)
	}
	notice := DefaultReplyConfig().FailureNotice
	want := []string{notice, "ok", notice}
	if strings.Join(contents, "|") != strings.Join(want, "|") {
		t.Errorf("sent %q, want %q", contents, want)
	}
}

func TestTooLongMessageIsRejectedWithoutSideEffects(t *testing.T) {
	called := false
	turns := turnFunc(func(ctx context.Context, id Identity, threadID, _ string) (string, error) {
		called = true
		return "x", nil
	})
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, turns)
	ctx := context.Background()
	long := strings.Repeat("é", DefaultMaxMessageChars+1)

	for i := 0; i < 2; i++ {
		if got := h.gw.HandleInboundMessage(ctx, inbound(long)); got != OutcomeRejected {
			t.Fatalf("outcome = %s", got)
		}
	}

	if called {
		t.Error("turn ran for a rejected message")
	}
	if h.client.threadCount() != 0 {
		t.Error("thread created for a rejected message")
	}
	if _, ok := h.sessions.Snapshot("5511999990001"); ok {
		t.Error("session state created for a rejected message")
	}
	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].Content != DefaultReplyConfig().TooLongNotice {
		t.Errorf("sent = %+v", sent)
	}
}

func TestThrottledUser(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{PerThreadMessageLimit: 1, DailyThreadLimit: 1}, replyWith("ok"))
	ctx := context.Background()

	if got := h.gw.HandleInboundMessage(ctx, inbound("first")); got != OutcomeReplied {
		t.Fatalf("first outcome = %s", got)
	}
	for i := 0; i < 2; i++ {
		if got := h.gw.HandleInboundMessage(ctx, inbound("again")); got != OutcomeThrottled {
			t.Fatalf("outcome = %s, want throttled", got)
		}
	}

	sent := h.sender.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want reply + one throttle notice", len(sent))
	}
	if sent[1].Content != DefaultReplyConfig().ThrottledNotice {
		t.Errorf("notice = %q", sent[1].Content)
	}
}

func TestResetCommand(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("ok"))
	ctx := context.Background()

	h.gw.HandleInboundMessage(ctx, inbound("hi"))
	first, _ := h.sessions.Snapshot("5511999990001")

	if got := h.gw.HandleInboundMessage(ctx, inbound(" !reset ")); got != OutcomeReset {
		t.Fatalf("outcome = %s", got)
	}
	s, _ := h.sessions.Snapshot("5511999990001")
	if s.ThreadID != "" || s.MessageCount != 0 {
		t.Errorf("session not reset: %+v", s)
	}

	h.gw.HandleInboundMessage(ctx, inbound("hi again"))
	s, _ = h.sessions.Snapshot("5511999990001")
	if s.ThreadID == first.ThreadID || len(s.ThreadCreations) != 2 {
		t.Errorf("expected a fresh thread counted against the quota: %+v", s)
	}

	sent := h.sender.messages()
	if len(sent) != 3 || sent[1].Content != DefaultReplyConfig().ResetConfirmation {
		t.Errorf("sent = %+v", sent)
	}
}

func TestIgnoredMessages(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("ok"))
	ctx := context.Background()

	if got := h.gw.HandleInboundMessage(ctx, inbound("   ")); got != OutcomeIgnored {
		t.Errorf("blank body outcome = %s", got)
	}
	if got := h.gw.HandleInboundMessage(ctx, InboundMessage{Body: "hi"}); got != OutcomeIgnored {
		t.Errorf("missing user outcome = %s", got)
	}
	if n := len(h.sender.messages()); n != 0 {
		t.Errorf("sent %d messages", n)
	}
}

func TestPanicInTurnBecomesNotice(t *testing.T) {
	turns := turnFunc(func(ctx context.Context, id Identity, threadID, _ string) (string, error) {
		panic("unexpected")
	})
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, turns)

	if got := h.gw.HandleInboundMessage(context.Background(), inbound("hi")); got != OutcomeFailed {
		t.Fatalf("outcome = %s", got)
	}
	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].Content != DefaultReplyConfig().FailureNotice {
		t.Errorf("sent = %+v", sent)
	}
}

func TestAdmissionFailureNotice(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("ok"))
	h.client.createErr = errors.New("service down")

	for i := 0; i < 2; i++ {
		if got := h.gw.HandleInboundMessage(context.Background(), inbound("hi")); got != OutcomeFailed {
			t.Fatalf("outcome = %s", got)
		}
	}
	if n := len(h.sender.messages()); n != 1 {
		t.Errorf("sent %d notices, want 1", n)
	}
}

func TestConcurrentMessagesFromOneUser(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("ok"))
	h.client.createDelay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.gw.HandleInboundMessage(context.Background(), inbound("hi"))
		}()
	}
	wg.Wait()

	if got := h.client.threadCount(); got != 1 {
		t.Errorf("created %d threads, want 1", got)
	}
	s, _ := h.sessions.Snapshot("5511999990001")
	if s.MessageCount != 10 {
		t.Errorf("message count = %d, want 10", s.MessageCount)
	}
	if n := len(h.sender.messages()); n != 10 {
		t.Errorf("sent %d replies, want 10", n)
	}
}

func TestResetUser(t *testing.T) {
	h := newGatewayHarness(t, ReplyConfig{}, SessionConfig{}, replyWith("ok"))
	h.gw.HandleInboundMessage(context.Background(), inbound("hi"))

	if !h.gw.ResetUser("5511999990001") {
		t.Error("ResetUser should report an existing thread")
	}
	if n := len(h.sender.messages()); n != 1 {
		t.Errorf("ResetUser must not message the user, sent %d", n)
	}
}

func TestNewGatewayRequiresSender(t *testing.T) {
	sessions := NewSessionRegistry(SessionConfig{}, newFakeAssistant(), nil, nil)
	if _, err := NewGateway(ReplyConfig{}, sessions, replyWith("ok"), nil, nil, nil); err == nil {
		t.Fatal("a gateway without a sender would drop every reply")
	}
}
