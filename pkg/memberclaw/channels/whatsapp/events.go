package whatsapp

import (
	"fmt"
	"strings"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.UpdateLastMsgTime()
		w.logger.Info("whatsapp: connected", "jid", w.getClientJID())
		go w.announcePresence()

	case *events.Disconnected:
		previous := w.getState()
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected")
		if previous == StateConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another device connected")

	case *events.LoggedOut:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out", "reason", evt.Reason.String(), "on_connect", evt.OnConnect)
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR re-login failed", "error", err)
			}
		}()

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		w.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
		if evt.ErrorCount >= 3 && w.getState() == StateConnected {
			w.setState(StateReconnecting)
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: keep-alive restored")

	case *events.ConnectFailure:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
	}
}

// handleMessageEvt converts a direct text message into an IncomingMessage.
// Own messages, broadcasts and group chats are dropped.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()

	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !alt.IsEmpty() {
			sender = alt
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      userKeyFromJID(sender),
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		Timestamp: evt.Info.Timestamp,
	}
	extractMessageContent(evt.Message, msg)

	if msg.Type != channels.MessageText {
		w.logger.Debug("whatsapp: ignoring non-text message", "type", msg.Type)
		return
	}

	if w.cfg.AutoRead {
		go w.markRead(msg.ChatID, msg.ID)
	}

	w.emitMessage(msg)
}

// extractMessageContent fills Type and Content from the protobuf message.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	switch {
	case waMsg == nil:
		msg.Type = channels.MessageOther
	case waMsg.Conversation != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetExtendedTextMessage().GetText()
	case waMsg.ImageMessage != nil:
		msg.Type = channels.MessageImage
		msg.Content = waMsg.GetImageMessage().GetCaption()
	case waMsg.AudioMessage != nil:
		msg.Type = channels.MessageAudio
	case waMsg.DocumentMessage != nil:
		msg.Type = channels.MessageDocument
		msg.Content = waMsg.GetDocumentMessage().GetCaption()
	default:
		msg.Type = channels.MessageOther
	}
}

// userKeyFromJID returns the bare phone number of a user JID; the device
// suffix and server are dropped so every device of a member maps to the
// same session.
func userKeyFromJID(jid types.JID) string {
	return jid.ToNonAD().User
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
