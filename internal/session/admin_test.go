package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/protocol"
)

var staffIdentity = Identity{
	UserID:   "staff1",
	Username: "mod",
	Role:     "moderator",
}

func TestListSessions_StoresSnapshot(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.sessions = []protocol.SessionSummary{
		{ID: "s1", Username: "alice", TargetType: "moderator"},
		{ID: "s2", Username: "bob", TargetType: "moderator"},
	}

	a := NewAdmin(f.client(), bus.New(), staffIdentity, "moderator")
	defer a.Close()

	list, err := a.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	if got := a.Sessions(); len(got) != 2 || got[0].ID != "s1" {
		t.Errorf("cached sessions = %v", got)
	}
}

func TestSetTarget_ClearsStaleList(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.sessions = []protocol.SessionSummary{{ID: "s1"}}

	a := NewAdmin(f.client(), bus.New(), staffIdentity, "moderator")
	defer a.Close()

	if _, err := a.ListSessions(context.Background()); err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	a.SetTarget("admin")

	if a.Target() != "admin" {
		t.Errorf("Target = %q, want admin", a.Target())
	}
	if got := a.Sessions(); len(got) != 0 {
		t.Errorf("sessions after target switch = %v, want empty", got)
	}
}

func TestSelectSession_LoadsHistory(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.history["s1"] = []protocol.ChatMessage{
		{ID: "m1", SessionID: "s1", Content: "help", Kind: protocol.KindUser},
	}

	a := NewAdmin(f.client(), bus.New(), staffIdentity, "moderator")
	defer a.Close()

	messages, err := a.SelectSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "help" {
		t.Errorf("history = %v", messages)
	}
	if a.SelectedID() != "s1" {
		t.Errorf("SelectedID = %q, want s1", a.SelectedID())
	}
}

func TestSendReply_RequiresSelection(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	a := NewAdmin(f.client(), bus.New(), staffIdentity, "moderator")
	defer a.Close()

	err := a.SendReply(context.Background(), "nobody selected")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("SendReply returned %v, want *StateError", err)
	}
}

func TestSendReply_OptimisticEcho(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	a := NewAdmin(f.client(), bus.New(), staffIdentity, "moderator")
	defer a.Close()

	if _, err := a.SelectSession(context.Background(), "s1"); err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	if err := a.SendReply(context.Background(), "on it"); err != nil {
		t.Fatalf("SendReply failed: %v", err)
	}

	msgs := a.SelectedMessages()
	if len(msgs) != 1 || msgs[0].Content != "on it" || msgs[0].Kind != protocol.KindAdmin {
		t.Errorf("echoed reply = %v", msgs)
	}

	f.mu.Lock()
	calls := f.adminCalls
	f.mu.Unlock()
	if len(calls) != 1 || calls[0].SessionID != "s1" || calls[0].SenderType != "moderator" {
		t.Errorf("server saw %+v", calls)
	}
}

func TestNewMessagePush_AppendsToSelectedSession(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	b := bus.New()

	a := NewAdmin(f.client(), b, staffIdentity, "moderator")
	defer a.Close()

	if _, err := a.SelectSession(context.Background(), "s1"); err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	f.mu.Lock()
	listCallsBefore := f.listCalls
	f.mu.Unlock()

	data, _ := json.Marshal(protocol.NewChatMessageEvent{
		Message: protocol.ChatMessage{ID: "m9", SessionID: "s1", Content: "more", Kind: protocol.KindUser},
	})
	b.Publish(protocol.TypeNewChatMessage, data)

	msgs := a.SelectedMessages()
	if len(msgs) != 1 || msgs[0].Content != "more" {
		t.Fatalf("selected messages = %v", msgs)
	}

	// In-place append, no list refresh needed.
	f.mu.Lock()
	listCallsAfter := f.listCalls
	f.mu.Unlock()
	if listCallsAfter != listCallsBefore {
		t.Errorf("list refresh triggered for selected-session message")
	}
}

func TestNewMessagePush_OtherSessionRefreshesList(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.sessions = []protocol.SessionSummary{{ID: "s1"}, {ID: "s2"}}
	b := bus.New()

	a := NewAdmin(f.client(), b, staffIdentity, "moderator")
	defer a.Close()

	changed := make(chan struct{}, 4)
	a.OnChange = func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	if _, err := a.SelectSession(context.Background(), "s1"); err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}

	data, _ := json.Marshal(protocol.NewChatMessageEvent{
		Message: protocol.ChatMessage{ID: "m9", SessionID: "s2", Content: "elsewhere"},
	})
	b.Publish(protocol.TypeNewChatMessage, data)

	waitFor(t, "list refresh", func() bool {
		select {
		case <-changed:
			return true
		default:
			return false
		}
	})
	if msgs := a.SelectedMessages(); len(msgs) != 0 {
		t.Errorf("other session's message leaked into selection: %v", msgs)
	}
	if got := a.Sessions(); len(got) != 2 {
		t.Errorf("refreshed sessions = %v", got)
	}
}

func TestNewSessionPush_RefreshesList(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.sessions = []protocol.SessionSummary{{ID: "s1"}}
	b := bus.New()

	a := NewAdmin(f.client(), b, staffIdentity, "moderator")
	defer a.Close()

	changed := make(chan struct{}, 4)
	a.OnChange = func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	data, _ := json.Marshal(protocol.NewChatSessionEvent{
		Session: protocol.SessionSummary{ID: "s1"},
	})
	b.Publish(protocol.TypeNewChatSession, data)

	waitFor(t, "list refresh after new_chat_session", func() bool {
		select {
		case <-changed:
			return true
		default:
			return false
		}
	})
	if got := a.Sessions(); len(got) != 1 {
		t.Errorf("sessions = %v", got)
	}
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	b := bus.New()

	a := NewAdmin(f.client(), b, staffIdentity, "moderator")
	a.Close()

	if n := b.SubscriberCount(protocol.TypeNewChatSession); n != 0 {
		t.Errorf("new_chat_session subscribers = %d, want 0", n)
	}
	if n := b.SubscriberCount(protocol.TypeNewChatMessage); n != 0 {
		t.Errorf("new_chat_message subscribers = %d, want 0", n)
	}
}
