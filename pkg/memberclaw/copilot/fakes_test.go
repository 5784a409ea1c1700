package copilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
)

// fakeAssistant is a scripted assistant.Client. StartRun returns script[0]
// and every GetRun or SubmitToolOutputs returns the next entry; the last
// entry repeats once the script is exhausted.
type fakeAssistant struct {
	mu sync.Mutex

	createDelay time.Duration
	createErr   error
	appendErr   error
	submitDelay time.Duration
	threads     int
	appended    map[string][]string

	script    []assistant.Run
	pos       int
	submitted [][]assistant.ToolOutput
	cancelled []string
	messages  []assistant.Message
}

func newFakeAssistant(script ...assistant.Run) *fakeAssistant {
	return &fakeAssistant{appended: make(map[string][]string), script: script}
}

func (f *fakeAssistant) CreateThread(ctx context.Context) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.threads++
	return fmt.Sprintf("thread-%d", f.threads), nil
}

func (f *fakeAssistant) AppendMessage(ctx context.Context, threadID string, role assistant.Role, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended[threadID] = append(f.appended[threadID], text)
	return nil
}

func (f *fakeAssistant) StartRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = 0
	return f.nextLocked(), nil
}

func (f *fakeAssistant) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextLocked(), nil
}

func (f *fakeAssistant) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []assistant.ToolOutput) (*assistant.Run, error) {
	if f.submitDelay > 0 {
		select {
		case <-time.After(f.submitDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return f.nextLocked(), nil
}

func (f *fakeAssistant) CancelRun(ctx context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeAssistant) ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.Message(nil), f.messages...), nil
}

func (f *fakeAssistant) nextLocked() *assistant.Run {
	i := f.pos
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.pos++
	run := f.script[i]
	return &run
}

func (f *fakeAssistant) threadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads
}

type fakeLookup struct {
	profiles map[string]*MemberProfile
	err      error
}

func (l *fakeLookup) LookupByUserKey(ctx context.Context, userKey string) (*MemberProfile, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.profiles[userKey], nil
}

type sentMessage struct {
	To      string
	Content string
	ReplyTo string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	failAt  int // 1-based send index that fails; 0 never fails
	sendErr error
}

func (s *fakeSender) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.sent)+1 == s.failAt {
		s.failAt = 0
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{To: to, Content: msg.Content, ReplyTo: msg.ReplyTo})
	return nil
}

func (s *fakeSender) SendTyping(ctx context.Context, to string) error {
	s.mu.Lock()
	s.typing++
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// turnFunc adapts a function to TurnRunner.
type turnFunc func(ctx context.Context, id Identity, threadID, text string) (string, error)

func (f turnFunc) RunTurn(ctx context.Context, id Identity, threadID, text string) (string, error) {
	return f(ctx, id, threadID, text)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
