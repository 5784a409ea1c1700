// Package channels holds the transport abstraction the membership assistant
// talks through. WhatsApp is the production channel; the console channel
// drives the same gateway from a terminal.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType classifies inbound content. Only text reaches the assistant.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageOther    MessageType = "other"
)

// Channel is a bidirectional member-facing transport.
type Channel interface {
	// Name is the registry key ("whatsapp", "console").
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error

	// Send delivers text to a chat. to is a phone number or a chat id in
	// the channel's own format.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive yields member messages until Disconnect.
	Receive() <-chan *IncomingMessage

	IsConnected() bool
	Health() HealthStatus
}

// PresenceChannel is implemented by channels that can show "typing...".
type PresenceChannel interface {
	Channel
	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage is one message from a member.
type IncomingMessage struct {
	// ID is the transport message id; replies may quote it.
	ID string

	// Channel is the Name of the source channel.
	Channel string

	// From is the sender's phone number. Sessions and quotas are keyed on it.
	From string

	// FromName is the push name, when the transport provides one.
	FromName string

	// ChatID is the reply destination.
	ChatID string

	Type      MessageType
	Content   string
	Timestamp time.Time
}

// OutgoingMessage is one reply chunk.
type OutgoingMessage struct {
	Content string

	// ReplyTo quotes the inbound message with this id; empty sends a plain
	// message.
	ReplyTo string
}

// HealthStatus is what a channel reports to /health.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
)
