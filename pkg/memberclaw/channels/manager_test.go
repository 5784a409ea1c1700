package channels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage
	connected  atomic.Bool

	mu     sync.Mutex
	sent   []string
	typing int
}

func newStubChannel(name string) *stubChannel {
	return &stubChannel{name: name, in: make(chan *IncomingMessage, 8)}
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Connect(ctx context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected.Store(true)
	return nil
}
func (s *stubChannel) Disconnect() error {
	s.connected.Store(false)
	return nil
}
func (s *stubChannel) Send(ctx context.Context, to string, msg *OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+msg.Content)
	return nil
}
func (s *stubChannel) SendTyping(ctx context.Context, to string) error {
	s.mu.Lock()
	s.typing++
	s.mu.Unlock()
	return nil
}
func (s *stubChannel) Receive() <-chan *IncomingMessage { return s.in }
func (s *stubChannel) IsConnected() bool                { return s.connected.Load() }
func (s *stubChannel) Health() HealthStatus             { return HealthStatus{Connected: s.connected.Load()} }

func TestManagerRegister(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(newStubChannel("a")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newStubChannel("a")); err == nil {
		t.Error("expected error on duplicate name")
	}
}

func TestManagerStartFailsWhenNothingConnects(t *testing.T) {
	m := NewManager(nil)
	ch := newStubChannel("broken")
	ch.connectErr = errors.New("no network")
	_ = m.Register(ch)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	m.Stop()
}

func TestManagerDispatch(t *testing.T) {
	m := NewManager(nil)
	ch := newStubChannel("stub")
	_ = m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := map[string]bool{}
	var inFlight, peak int32
	handled := make(chan struct{}, 10)
	handler := func(ctx context.Context, msg *IncomingMessage) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if msg.Content == "boom" {
			panic("handler bug")
		}
		mu.Lock()
		got[msg.Content] = true
		mu.Unlock()
		handled <- struct{}{}
	}

	dispatchDone := make(chan struct{})
	go func() {
		m.Dispatch(ctx, handler, 2)
		close(dispatchDone)
	}()

	for _, c := range []string{"a", "boom", "b", "c", "d"} {
		ch.in <- &IncomingMessage{Channel: "stub", Content: c}
	}
	for i := 0; i < 4; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}

	m.Stop()
	select {
	case <-dispatchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after Stop")
	}

	for _, c := range []string{"a", "b", "c", "d"} {
		if !got[c] {
			t.Errorf("message %q not handled", c)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", p)
	}
}

func TestBoundSender(t *testing.T) {
	m := NewManager(nil)
	ch := newStubChannel("stub")
	_ = m.Register(ch)

	s := m.Sender("stub")
	if err := s.Send(context.Background(), "u1", &OutgoingMessage{Content: "hi"}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("expected ErrChannelDisconnected before Start, got %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := s.Send(context.Background(), "u1", &OutgoingMessage{Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SendTyping(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "u1:hi" || ch.typing != 1 {
		t.Errorf("sent = %v, typing = %d", ch.sent, ch.typing)
	}

	if err := m.Sender("missing").Send(context.Background(), "u1", &OutgoingMessage{}); err == nil {
		t.Error("expected error for unknown channel")
	}
}
