package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/chatapi"
	"github.com/consoleops/realtime/internal/protocol"
)

// fakeChatAPI is an in-memory stand-in for the chat service's HTTP surface.
type fakeChatAPI struct {
	mu           sync.Mutex
	sessionID    string
	seed         []protocol.ChatMessage
	createFail   bool
	sendFail     bool
	cleanupFail  bool
	createCalls  int
	sendCalls    []chatapi.SendMessageRequest
	cleanupCalls []string
	listCalls    int
	sessions     []protocol.SessionSummary
	history      map[string][]protocol.ChatMessage
	adminCalls   []chatapi.SendAdminMessageRequest

	srv *httptest.Server
}

func newFakeChatAPI() *fakeChatAPI {
	f := &fakeChatAPI{
		sessionID: "sess-test-1",
		history:   map[string][]protocol.ChatMessage{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.createCalls++
		fail, id, seed := f.createFail, f.sessionID, f.seed
		f.mu.Unlock()
		if fail {
			http.Error(w, "create refused", http.StatusInternalServerError)
			return
		}
		writeJSON(w, chatapi.CreateSessionResponse{SessionID: id, Messages: seed})
	})
	mux.HandleFunc("POST /api/chat/message", func(w http.ResponseWriter, r *http.Request) {
		var req chatapi.SendMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sendCalls = append(f.sendCalls, req)
		fail := f.sendFail
		f.mu.Unlock()
		if fail {
			http.Error(w, "send refused", http.StatusBadGateway)
			return
		}
		writeJSON(w, chatapi.SendMessageResponse{MessageID: "srv-msg-1"})
	})
	mux.HandleFunc("DELETE /api/chat/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cleanupCalls = append(f.cleanupCalls, r.PathValue("id"))
		fail := f.cleanupFail
		f.mu.Unlock()
		if fail {
			http.Error(w, "cleanup refused", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	})
	mux.HandleFunc("POST /api/chat/cleanup", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.cleanupCalls = append(f.cleanupCalls, req.SessionID)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/chat/admin/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listCalls++
		sessions := f.sessions
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"sessions": sessions})
	})
	mux.HandleFunc("GET /api/chat/admin/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		messages := f.history[r.PathValue("id")]
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"messages": messages})
	})
	mux.HandleFunc("POST /api/chat/admin/message", func(w http.ResponseWriter, r *http.Request) {
		var req chatapi.SendAdminMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.adminCalls = append(f.adminCalls, req)
		f.mu.Unlock()
		writeJSON(w, map[string]string{"messageId": "srv-reply-1"})
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeChatAPI) client() *chatapi.Client {
	return chatapi.New(f.srv.URL, "test-token")
}

func (f *fakeChatAPI) cleanups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cleanupCalls))
	copy(out, f.cleanupCalls)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var testIdentity = Identity{
	UserID:   "u1",
	Username: "alice",
	FullName: "Alice A",
	Role:     "user",
}

func TestOpen_Activates(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.seed = []protocol.ChatMessage{{ID: "m0", Content: "welcome", Kind: protocol.KindAdmin}}

	c := New(f.client(), bus.New(), Config{})
	if c.State() != Uninitialized {
		t.Fatalf("initial state = %v, want Uninitialized", c.State())
	}

	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close(context.Background())

	if c.State() != Active {
		t.Errorf("state = %v, want Active", c.State())
	}
	if c.SessionID() != "sess-test-1" {
		t.Errorf("SessionID = %q", c.SessionID())
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Content != "welcome" {
		t.Errorf("seeded messages = %v", msgs)
	}
}

func TestOpen_InvalidFromActive(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close(context.Background())

	err := c.Open(context.Background(), testIdentity)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("second Open returned %v, want *StateError", err)
	}
	if se.State != Active {
		t.Errorf("StateError.State = %v, want Active", se.State)
	}
	f.mu.Lock()
	n := f.createCalls
	f.mu.Unlock()
	if n != 1 {
		t.Errorf("create calls = %d, want 1", n)
	}
}

func TestOpen_FailureRevertsToUninitialized(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.createFail = true

	c := New(f.client(), bus.New(), Config{})
	if err := c.Open(context.Background(), testIdentity); err == nil {
		t.Fatal("Open succeeded, want error")
	}
	if c.State() != Uninitialized {
		t.Fatalf("state after failed Open = %v, want Uninitialized", c.State())
	}

	// A later attempt may succeed.
	f.mu.Lock()
	f.createFail = false
	f.mu.Unlock()
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("retry Open failed: %v", err)
	}
	c.Close(context.Background())
}

func TestSend_OptimisticEcho(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close(context.Background())

	if err := c.Send(context.Background(), "hello there", protocol.TargetAdmin); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Content != "hello there" || msgs[0].Kind != protocol.KindUser {
		t.Errorf("echoed message = %+v", msgs[0])
	}
	if msgs[0].Sender.Username != "alice" {
		t.Errorf("echo sender = %+v", msgs[0].Sender)
	}

	f.mu.Lock()
	calls := f.sendCalls
	f.mu.Unlock()
	if len(calls) != 1 || calls[0].Content != "hello there" || calls[0].TargetType != protocol.TargetAdmin {
		t.Errorf("server saw %+v", calls)
	}
}

func TestSend_EchoSurvivesRequestFailure(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.sendFail = true

	c := New(f.client(), bus.New(), Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close(context.Background())

	err := c.Send(context.Background(), "doomed", protocol.TargetAdmin)
	var re *chatapi.RequestError
	if !errors.As(err, &re) {
		t.Fatalf("Send returned %v, want *chatapi.RequestError", err)
	}

	// The operator already saw the message; it stays.
	if msgs := c.Messages(); len(msgs) != 1 || msgs[0].Content != "doomed" {
		t.Errorf("messages after failed send = %v", msgs)
	}
	if c.State() != Active {
		t.Errorf("state = %v, want Active", c.State())
	}
}

func TestSend_InvalidBeforeOpen(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{})
	err := c.Send(context.Background(), "too early", protocol.TargetAdmin)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("Send returned %v, want *StateError", err)
	}
}

func TestAdminReply_RoutedBySessionID(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	b := bus.New()

	c := New(f.client(), b, Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close(context.Background())

	publishReply := func(sessionID, content string) {
		data, _ := json.Marshal(protocol.AdminReplyEvent{
			SessionID: sessionID,
			Message: protocol.ChatMessage{
				ID: "r1", SessionID: sessionID, Content: content,
				Sender: protocol.Sender{Username: "admin", Role: "admin"},
				Kind:   protocol.KindAdmin,
			},
		})
		b.Publish(protocol.TypeAdminReply, data)
	}

	publishReply("someone-else", "not for you")
	publishReply("sess-test-1", "for you")

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (mismatched session must be discarded)", len(msgs))
	}
	if msgs[0].Content != "for you" {
		t.Errorf("appended message = %+v", msgs[0])
	}
}

func TestAdminReply_IgnoredAfterClose(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	b := bus.New()

	c := New(f.client(), b, Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, _ := json.Marshal(protocol.AdminReplyEvent{
		SessionID: "sess-test-1",
		Message:   protocol.ChatMessage{ID: "r1", Content: "late"},
	})
	b.Publish(protocol.TypeAdminReply, data)

	if n := len(c.Messages()); n != 0 {
		t.Errorf("messages after close = %d, want 0", n)
	}
	if n := b.SubscriberCount(protocol.TypeAdminReply); n != 0 {
		t.Errorf("admin_reply subscribers after close = %d, want 0", n)
	}
}

func TestClose_BestEffortCleanup(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()
	f.cleanupFail = true

	c := New(f.client(), bus.New(), Config{})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Cleanup failure is absorbed; the session still closes.
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close returned %v, want nil", err)
	}
	if c.State() != Closed {
		t.Errorf("state = %v, want Closed", c.State())
	}
	if got := f.cleanups(); len(got) != 1 || got[0] != "sess-test-1" {
		t.Errorf("cleanup calls = %v", got)
	}

	// Close from Closed is a state error.
	var se *StateError
	if err := c.Close(context.Background()); !errors.As(err, &se) {
		t.Errorf("second Close returned %v, want *StateError", err)
	}
}

func TestIdleTimeout_FiresDespiteActivity(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{IdleTimeout: 120 * time.Millisecond})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Activity does not extend the default lifetime bound.
	time.Sleep(60 * time.Millisecond)
	if err := c.Send(context.Background(), "still here", protocol.TargetAdmin); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, "idle close", func() bool { return c.State() == Closed })
	if got := f.cleanups(); len(got) != 1 {
		t.Errorf("cleanup calls = %v, want exactly one", got)
	}
}

func TestIdleTimeout_ResetOnActivity(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{
		IdleTimeout:     150 * time.Millisecond,
		ResetOnActivity: true,
	})
	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Keep the session busy past the original deadline.
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		if err := c.Send(context.Background(), "ping", protocol.TargetAdmin); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if c.State() != Active {
		t.Fatalf("state = %v after continuous activity, want Active", c.State())
	}

	// Let it go idle now.
	waitFor(t, "idle close after activity stops", func() bool { return c.State() == Closed })
}

func TestCleanupOnExit_BeaconsActiveSession(t *testing.T) {
	f := newFakeChatAPI()
	defer f.srv.Close()

	c := New(f.client(), bus.New(), Config{})

	// Not active yet: no beacon.
	c.CleanupOnExit()
	if n := len(f.cleanups()); n != 0 {
		t.Fatalf("beacon fired before activation, cleanups = %d", n)
	}

	if err := c.Open(context.Background(), testIdentity); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c.CleanupOnExit()

	// The beacon never waits for a response; poll the server side.
	waitFor(t, "beacon delivery", func() bool {
		got := f.cleanups()
		return len(got) == 1 && got[0] == "sess-test-1"
	})
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		Uninitialized: "uninitialized",
		Creating:      "creating",
		Active:        "active",
		Closing:       "closing",
		Closed:        "closed",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
