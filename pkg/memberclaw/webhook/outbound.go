package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

const outboundRequestTimeout = 15 * time.Second

// outboundMessage is the body POSTed to the provider. It mirrors the
// inbound JSON shape.
type outboundMessage struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// OutboundSender delivers replies through the provider's HTTP send API.
// It is the reply transport when the webhook runs without a WhatsApp
// session.
type OutboundSender struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOutboundSender creates a sender for cfg.OutboundURL.
func NewOutboundSender(cfg copilot.WebhookConfig, logger *slog.Logger) (*OutboundSender, error) {
	if cfg.OutboundURL == "" {
		return nil, errors.New("webhook.outbound_url is required to deliver replies without WhatsApp")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundSender{
		url:        cfg.OutboundURL,
		token:      cfg.OutboundToken,
		httpClient: &http.Client{Timeout: outboundRequestTimeout},
		logger:     logger.With("component", "webhook-outbound"),
	}, nil
}

// Send POSTs one reply chunk. Any non-2xx status is an error.
func (o *OutboundSender) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	b, err := json.Marshal(outboundMessage{To: to, Body: msg.Content, ReplyTo: msg.ReplyTo})
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: provider returned %d: %s", channels.ErrSendFailed, resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	o.logger.Debug("reply delivered",
		"to", to,
		"len", len(msg.Content),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
