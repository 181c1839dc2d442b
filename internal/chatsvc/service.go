// Package chatsvc implements the chat service's HTTP surface: the user
// endpoints (create session, send message, cleanup) and the staff endpoints
// (list sessions, fetch history, reply). Every state change is mirrored
// onto the NATS chat subject so connected consoles see it pushed.
package chatsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/consoleops/realtime/internal/chatapi"
	"github.com/consoleops/realtime/internal/metrics"
	"github.com/consoleops/realtime/internal/protocol"
	"github.com/consoleops/realtime/internal/ratelimit"
	"github.com/consoleops/realtime/internal/store"
)

// Publisher is the part of the feed the chat service needs: pushing chat
// frames toward connected consoles.
type Publisher interface {
	PublishChat(data []byte) error
}

// Service wires the ephemeral session store to the HTTP handlers and the
// chat publish subject.
type Service struct {
	store   *store.Store
	pub     Publisher
	limiter *ratelimit.Limiter
}

// New creates a chat service backed by the given store and publisher.
func New(st *store.Store, pub Publisher) *Service {
	return &Service{store: st, pub: pub}
}

// WithRateLimit attaches a limiter. Without one, session creation and
// message sends are unthrottled.
func (s *Service) WithRateLimit(l *ratelimit.Limiter) *Service {
	s.limiter = l
	return s
}

// Routes registers the chat endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/session", s.handleCreateSession)
	mux.HandleFunc("POST /api/chat/message", s.handleSendMessage)
	mux.HandleFunc("DELETE /api/chat/session/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/chat/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/chat/admin/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/chat/admin/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("POST /api/chat/admin/message", s.handleAdminMessage)
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req chatapi.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "userId and username are required")
		return
	}
	if !s.allow(r.Context(), req.UserID, ratelimit.RuleCreateSession) {
		writeError(w, http.StatusTooManyRequests, "too many sessions, slow down")
		return
	}

	now := time.Now().Unix()
	sess := &store.Session{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Username:     req.Username,
		FullName:     req.FullName,
		UserRole:     req.UserType,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := s.store.Create(r.Context(), sess); err != nil {
		log.Printf("[chatsvc] create session for %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.publish(protocol.TypeNewChatSession, protocol.NewChatSessionEvent{Session: sess.Summary()})
	s.syncSessionGauge(r.Context())

	writeJSON(w, http.StatusCreated, chatapi.CreateSessionResponse{
		SessionID: sess.ID,
		Messages:  []protocol.ChatMessage{},
	})
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chatapi.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := validateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(r.Context(), req.SessionID, ratelimit.RuleChatMessage) {
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	target := req.TargetType
	if target == "" {
		target = protocol.TargetAdmin
	}
	if target != protocol.TargetAdmin && target != protocol.TargetModerator {
		writeError(w, http.StatusBadRequest, "unknown targetType")
		return
	}

	sess, err := s.store.Get(r.Context(), req.SessionID)
	if err != nil {
		log.Printf("[chatsvc] lookup session %s: %v", req.SessionID, err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	firstRouted := sess.TargetType == ""

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Content:   req.Content,
		Sender: protocol.Sender{
			ID:       sess.UserID,
			Username: sess.Username,
			FullName: sess.FullName,
			Role:     sess.UserRole,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      protocol.KindUser,
	}

	if err := s.store.AppendMessage(r.Context(), sess.ID, msg, target); err != nil {
		log.Printf("[chatsvc] append message to %s: %v", sess.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	metrics.ChatMessagesTotal.WithLabelValues(protocol.KindUser).Inc()
	s.publish(protocol.TypeNewChatMessage, protocol.NewChatMessageEvent{Message: msg})

	resp := chatapi.SendMessageResponse{MessageID: msg.ID}
	if firstRouted {
		// One-time acknowledgment so the user knows the session is routed.
		resp.Reply = fmt.Sprintf("Your message has been forwarded to the %s team. Someone will reply here shortly.", target)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if err := s.store.Delete(r.Context(), sessionID); err != nil {
		log.Printf("[chatsvc] delete session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	s.syncSessionGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCleanup is the beacon target. Unload beacons never read the
// response, so the handler answers 200 regardless and logs failures.
func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.store.Delete(r.Context(), req.SessionID); err != nil {
		log.Printf("[chatsvc] cleanup session %s: %v", req.SessionID, err)
	}
	s.syncSessionGauge(r.Context())
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target_type")
	if target == "" {
		target = protocol.TargetAdmin
	}
	if target != protocol.TargetAdmin && target != protocol.TargetModerator {
		writeError(w, http.StatusBadRequest, "unknown target_type")
		return
	}

	sessions, err := s.store.ListByTarget(r.Context(), target)
	if err != nil {
		log.Printf("[chatsvc] list sessions for %s: %v", target, err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	summaries := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

func (s *Service) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		log.Printf("[chatsvc] lookup session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	messages, err := s.store.Messages(r.Context(), sessionID)
	if err != nil {
		log.Printf("[chatsvc] load messages for %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Service) handleAdminMessage(w http.ResponseWriter, r *http.Request) {
	var req chatapi.SendAdminMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := validateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	senderType := req.SenderType
	if senderType == "" {
		senderType = protocol.TargetAdmin
	}

	sess, err := s.store.Get(r.Context(), req.SessionID)
	if err != nil {
		log.Printf("[chatsvc] lookup session %s: %v", req.SessionID, err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Content:   req.Content,
		Sender: protocol.Sender{
			Username: senderType,
			Role:     senderType,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      protocol.KindAdmin,
	}

	// Staff replies keep the session's current audience.
	if err := s.store.AppendMessage(r.Context(), sess.ID, msg, ""); err != nil {
		log.Printf("[chatsvc] append reply to %s: %v", sess.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	metrics.ChatMessagesTotal.WithLabelValues(protocol.KindAdmin).Inc()
	s.publish(protocol.TypeAdminReply, protocol.AdminReplyEvent{SessionID: sess.ID, Message: msg})

	writeJSON(w, http.StatusOK, map[string]string{"messageId": msg.ID})
}

// publish wraps the payload in an envelope and pushes it onto the chat
// subject. Publish failures are log-only: the HTTP state change already
// happened and clients recover the state on their next fetch.
func (s *Service) publish(eventType string, payload interface{}) {
	frame, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		log.Printf("[chatsvc] marshal %s: %v", eventType, err)
		return
	}
	if err := s.pub.PublishChat(frame); err != nil {
		log.Printf("[chatsvc] publish %s: %v", eventType, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// allow runs a rate-limit check, passing everything through when no limiter
// is configured.
func (s *Service) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, identifier, rule)
	return ok
}

func (s *Service) syncSessionGauge(ctx context.Context) {
	n, err := s.store.CountActive(ctx)
	if err != nil {
		return
	}
	metrics.ActiveSessions.Set(float64(n))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[chatsvc] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
