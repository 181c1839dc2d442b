package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/consoleops/realtime/internal/protocol"
)

func TestCreateSession(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.UserID != "u1" || req.Username != "alice" {
			t.Errorf("request = %+v", req)
		}

		json.NewEncoder(w).Encode(CreateSessionResponse{
			SessionID: "sess-1",
			Messages:  []protocol.ChatMessage{{ID: "m1", Content: "hi"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123")
	resp, err := c.CreateSession(context.Background(), CreateSessionRequest{
		UserType: "user", UserID: "u1", Username: "alice",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if resp.SessionID != "sess-1" || len(resp.Messages) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/chat/session" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestRequestError_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.SendMessage(context.Background(), SendMessageRequest{SessionID: "nope", Content: "x"})

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *RequestError", err)
	}
	if re.Op != "send_message" {
		t.Errorf("Op = %q", re.Op)
	}
	if re.Status != http.StatusNotFound {
		t.Errorf("Status = %d", re.Status)
	}
	if re.Detail != "session not found" {
		t.Errorf("Detail = %q", re.Detail)
	}
}

func TestRequestError_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := New(srv.URL, "")
	err := c.CleanupSession(context.Background(), "sess-1")

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *RequestError", err)
	}
	if re.Status != 0 {
		t.Errorf("Status = %d, want 0 for transport failure", re.Status)
	}
	if re.Unwrap() == nil {
		t.Error("transport failure should carry the underlying error")
	}
}

func TestListSessions_QueryAndShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("target_type"); got != "moderator" {
			t.Errorf("target_type = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sessions": []protocol.SessionSummary{{ID: "s1"}, {ID: "s2"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	sessions, err := c.ListSessions(context.Background(), "moderator")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestSendAdminMessage(t *testing.T) {
	var got SendAdminMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"messageId": "m1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.SendAdminMessage(context.Background(), SendAdminMessageRequest{
		SessionID: "s1", Content: "reply", SenderType: "admin",
	})
	if err != nil {
		t.Fatalf("SendAdminMessage failed: %v", err)
	}
	if got.SessionID != "s1" || got.SenderType != "admin" {
		t.Errorf("server saw %+v", got)
	}
}

func TestCleanupBeacon(t *testing.T) {
	type beaconHit struct {
		path string
		auth string
		body string
	}
	hits := make(chan beaconHit, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hits <- beaconHit{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: string(body),
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123")
	if err := c.CleanupBeacon("sess-9"); err != nil {
		t.Fatalf("CleanupBeacon failed: %v", err)
	}

	// The beacon returns before the server handles the request.
	select {
	case hit := <-hits:
		if hit.path != "/api/chat/cleanup" {
			t.Errorf("path = %q", hit.path)
		}
		if hit.auth != "Bearer tok123" {
			t.Errorf("Authorization = %q", hit.auth)
		}
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal([]byte(hit.body), &payload); err != nil {
			t.Fatalf("body %q is not valid JSON: %v", hit.body, err)
		}
		if payload.SessionID != "sess-9" {
			t.Errorf("sessionId = %q", payload.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beacon request never arrived")
	}
}

func TestCleanupBeacon_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "")
	if err := c.CleanupBeacon("sess-9"); err == nil {
		t.Fatal("CleanupBeacon succeeded against a closed server")
	}
}

func TestDo_ConcurrentRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []protocol.ChatMessage{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetSessionMessages(context.Background(), "s1"); err != nil {
				t.Errorf("GetSessionMessages failed: %v", err)
			}
		}()
	}
	wg.Wait()
}
