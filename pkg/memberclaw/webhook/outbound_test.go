package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

func TestOutboundSenderPostsReply(t *testing.T) {
	var mu sync.Mutex
	var got outboundMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	o, err := NewOutboundSender(copilot.WebhookConfig{OutboundURL: srv.URL, OutboundToken: "bsp"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := &channels.OutgoingMessage{Content: "Olá!", ReplyTo: "SM1"}
	if err := o.Send(context.Background(), "5511999990001", msg); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.To != "5511999990001" || got.Body != "Olá!" || got.ReplyTo != "SM1" {
		t.Errorf("payload = %+v", got)
	}
	if auth != "Bearer bsp" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestOutboundSenderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recipient not opted in", http.StatusBadRequest)
	}))
	defer srv.Close()

	o, err := NewOutboundSender(copilot.WebhookConfig{OutboundURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = o.Send(context.Background(), "u1", &channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, channels.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}

	if _, err := NewOutboundSender(copilot.WebhookConfig{}, nil); err == nil {
		t.Error("an empty outbound URL must be rejected")
	}
}

func TestWebhookOnlyRepliesGoOutbound(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m outboundMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		bodies = append(bodies, m.Body)
		mu.Unlock()
	}))
	defer srv.Close()

	o, err := NewOutboundSender(copilot.WebhookConfig{OutboundURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New(copilot.WebhookConfig{}, newGateway(t, &echoTurns{}, o), Options{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/inbound",
		jsonBody(map[string]string{"user_key": "u1", "body": "hi"}))
	req.Header.Set("Content-Type", "application/json")
	if rec := do(t, s.Handler(), req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || bodies[0] != "echo: hi" {
		t.Errorf("provider received %q", bodies)
	}
}
