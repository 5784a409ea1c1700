package webhook

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

// maxInboundBody bounds webhook payloads.
const maxInboundBody = 64 << 10

type inboundRequest struct {
	UserKey   string `json:"user_key"`
	Body      string `json:"body"`
	ReplyTo   string `json:"reply_to"`
	MessageID string `json:"message_id"`
}

type inboundResponse struct {
	Outcome copilot.Outcome `json:"outcome"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "healthy",
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}
	if s.gateway != nil {
		resp["sessions"] = s.gateway.Sessions().Count()
	}
	code := http.StatusOK
	if s.opts.Health != nil {
		checks, ok := s.opts.Health(r.Context())
		resp["checks"] = checks
		if !ok {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// handleInbound implements POST /webhook/inbound. It accepts JSON
// ({user_key, body, reply_to, message_id}) or the form fields WhatsApp
// business providers post (From, Body, MessageSid). The turn runs
// synchronously; the response carries its outcome. Providers give up on
// slow requests, so the turn is detached from the connection and bounded
// by InboundTimeout and the server lifetime instead.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInboundBody)

	req, err := decodeInbound(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserKey == "" || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "user_key and body are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.InboundTimeout)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	outcome := s.gateway.HandleInboundMessage(ctx, copilot.InboundMessage{
		UserKey:     req.UserKey,
		Body:        req.Body,
		ReplyTarget: req.ReplyTo,
		MessageID:   req.MessageID,
	})
	writeJSON(w, statusForOutcome(outcome), inboundResponse{Outcome: outcome})
}

func statusForOutcome(o copilot.Outcome) int {
	switch o {
	case copilot.OutcomeThrottled:
		return http.StatusTooManyRequests
	case copilot.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func decodeInbound(r *http.Request) (inboundRequest, error) {
	var req inboundRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.UserKey = normalizeSender(r.PostForm.Get("From"))
		req.Body = r.PostForm.Get("Body")
		req.MessageID = r.PostForm.Get("MessageSid")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		req.UserKey = normalizeSender(req.UserKey)
	}
	return req, nil
}

// normalizeSender turns "whatsapp:+5511999990001" into "5511999990001".
func normalizeSender(from string) string {
	from = strings.TrimSpace(from)
	from = strings.TrimPrefix(from, "whatsapp:")
	return strings.TrimPrefix(from, "+")
}

// handleListSessions implements GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.gateway.Sessions().List()})
}

// handleGetSession implements GET /api/sessions/{userKey}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.gateway.Sessions().Snapshot(chi.URLParam(r, "userKey"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleResetSession implements DELETE /api/sessions/{userKey}. The daily
// quota is not refunded.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "userKey")
	hadThread := s.gateway.ResetUser(userKey)
	s.logger.Info("session reset by admin", "user", userKey, "had_thread", hadThread)
	writeJSON(w, http.StatusOK, map[string]any{"user_key": userKey, "had_thread": hadThread})
}
