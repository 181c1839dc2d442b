package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/chatapi"
	"github.com/consoleops/realtime/internal/protocol"
)

// AdminCoordinator manages the staff view over many concurrent sessions:
// the open-session list for one target audience, one selected session whose
// history is loaded, and push-driven refreshes. A new_chat_session push
// refreshes the list; a new_chat_message push for the selected session
// appends in place, otherwise it refreshes the list so unread indicators
// stay current.
type AdminCoordinator struct {
	api *chatapi.Client
	bus *bus.Bus

	// OnChange, when set, is called after the session list or the selected
	// session's messages change from a push. It runs on the refresh
	// goroutine and must not block.
	OnChange func()

	mu         sync.Mutex
	staff      Identity
	target     string
	sessions   []protocol.SessionSummary
	selectedID string
	selected   []protocol.ChatMessage
	sessionSub *bus.Subscription
	messageSub *bus.Subscription
	closed     bool
}

// NewAdmin creates an AdminCoordinator filtering sessions addressed to the
// given target audience. It subscribes to the chat push topics immediately;
// call Close to release the subscriptions.
func NewAdmin(api *chatapi.Client, b *bus.Bus, staff Identity, target string) *AdminCoordinator {
	a := &AdminCoordinator{api: api, bus: b, staff: staff, target: target}
	a.sessionSub = b.Subscribe(protocol.TypeNewChatSession, a.handleNewSession)
	a.messageSub = b.Subscribe(protocol.TypeNewChatMessage, a.handleNewMessage)
	return a
}

// Close releases the push subscriptions. The coordinator must not be used
// afterwards.
func (a *AdminCoordinator) Close() {
	a.mu.Lock()
	a.closed = true
	sessionSub, messageSub := a.sessionSub, a.messageSub
	a.sessionSub, a.messageSub = nil, nil
	a.mu.Unlock()

	a.bus.Unsubscribe(sessionSub)
	a.bus.Unsubscribe(messageSub)
}

// Target returns the audience filter currently in effect.
func (a *AdminCoordinator) Target() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// SetTarget switches the audience filter. The caller should follow up with
// ListSessions; the stale list is cleared eagerly.
func (a *AdminCoordinator) SetTarget(target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.target != target {
		a.target = target
		a.sessions = nil
	}
}

// Sessions returns a snapshot of the most recently fetched session list.
func (a *AdminCoordinator) Sessions() []protocol.SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.SessionSummary, len(a.sessions))
	copy(out, a.sessions)
	return out
}

// SelectedID returns the id of the selected session, or "".
func (a *AdminCoordinator) SelectedID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selectedID
}

// SelectedMessages returns a snapshot of the selected session's history.
func (a *AdminCoordinator) SelectedMessages() []protocol.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.ChatMessage, len(a.selected))
	copy(out, a.selected)
	return out
}

// ListSessions fetches and stores the open sessions for the current target
// audience.
func (a *AdminCoordinator) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	a.mu.Lock()
	target := a.target
	a.mu.Unlock()

	sessions, err := a.api.ListSessions(ctx, target)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.sessions = sessions
	a.mu.Unlock()
	return sessions, nil
}

// SelectSession loads the full history for one session and makes it the
// selected session. Other sessions' state is unaffected.
func (a *AdminCoordinator) SelectSession(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	messages, err := a.api.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.selectedID = sessionID
	a.selected = messages
	a.mu.Unlock()
	return messages, nil
}

// SendReply delivers a staff reply into the selected session, echoing it
// locally before the request completes.
func (a *AdminCoordinator) SendReply(ctx context.Context, content string) error {
	a.mu.Lock()
	if a.selectedID == "" {
		a.mu.Unlock()
		return &StateError{Op: "send_reply", State: Uninitialized}
	}
	sessionID := a.selectedID
	a.selected = append(a.selected, protocol.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		Sender: protocol.Sender{
			ID:       a.staff.UserID,
			Username: a.staff.Username,
			FullName: a.staff.FullName,
			Role:     a.staff.Role,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      protocol.KindAdmin,
	})
	senderType := a.staff.Role
	a.mu.Unlock()

	return a.api.SendAdminMessage(ctx, chatapi.SendAdminMessageRequest{
		SessionID:  sessionID,
		Content:    content,
		SenderType: senderType,
	})
}

// handleNewSession refreshes the session list off the bus goroutine.
func (a *AdminCoordinator) handleNewSession(json.RawMessage) {
	a.refreshAsync()
}

// handleNewMessage appends a pushed user message when it belongs to the
// selected session; any other session's message triggers a list refresh.
func (a *AdminCoordinator) handleNewMessage(data json.RawMessage) {
	var ev protocol.NewChatMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("session: bad new_chat_message payload: %v", err)
		return
	}

	a.mu.Lock()
	if a.selectedID != "" && ev.Message.SessionID == a.selectedID {
		a.selected = append(a.selected, ev.Message)
		onChange := a.OnChange
		a.mu.Unlock()
		if onChange != nil {
			onChange()
		}
		return
	}
	a.mu.Unlock()

	a.refreshAsync()
}

// refreshAsync reloads the session list in the background so bus handlers
// never block on a network round trip.
func (a *AdminCoordinator) refreshAsync() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	onChange := a.OnChange
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), chatapi.DefaultTimeout)
		defer cancel()
		if _, err := a.ListSessions(ctx); err != nil {
			log.Printf("session: list refresh failed: %v", err)
			return
		}
		if onChange != nil {
			onChange()
		}
	}()
}
