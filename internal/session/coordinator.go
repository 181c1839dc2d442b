package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/chatapi"
	"github.com/consoleops/realtime/internal/protocol"
)

// DefaultIdleTimeout is how long a session may exist before it is closed.
// In the reference behavior the timer is armed once on activation and is not
// reset by activity, bounding total session lifetime; set ResetOnActivity to
// get a rolling idle window instead.
const DefaultIdleTimeout = 20 * time.Minute

// Config holds the coordinator's tunable parameters.
type Config struct {
	// IdleTimeout is the session lifetime bound. Defaults to
	// DefaultIdleTimeout when zero.
	IdleTimeout time.Duration

	// ResetOnActivity re-arms the idle timer on every send and receive,
	// turning the lifetime bound into a rolling idle window.
	ResetOnActivity bool
}

// Identity describes the user who owns the session.
type Identity struct {
	UserID   string
	Username string
	FullName string
	Role     string
}

// Coordinator manages one chat session for the current user: creation,
// optimistic sends, routing of pushed staff replies, timed expiry, and
// best-effort cleanup. It subscribes to the admin_reply topic while a
// session is active and releases the subscription when the session closes,
// so handlers never accumulate across session cycles.
type Coordinator struct {
	api *chatapi.Client
	bus *bus.Bus
	cfg Config

	mu             sync.Mutex
	state          State
	sessionID      string
	identity       Identity
	messages       []protocol.ChatMessage
	createdAt      time.Time
	lastActivityAt time.Time
	idleTimer      *time.Timer
	replySub       *bus.Subscription
}

// New creates a Coordinator in the Uninitialized state. The bus must be the
// one fed by the chat connection manager.
func New(api *chatapi.Client, b *bus.Bus, cfg Config) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Coordinator{api: api, bus: b, cfg: cfg}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-issued session id, or "" before activation.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a snapshot of the session's message list in insertion
// order.
func (c *Coordinator) Messages() []protocol.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastActivityAt returns when the session last sent or received a message.
func (c *Coordinator) LastActivityAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

// Open creates a session for the given identity. Valid only from
// Uninitialized. On failure the coordinator remains Uninitialized and the
// error is returned to the caller; there is no automatic retry.
func (c *Coordinator) Open(ctx context.Context, id Identity) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "open", State: state}
	}
	c.state = Creating
	c.identity = id
	c.mu.Unlock()

	resp, err := c.api.CreateSession(ctx, chatapi.CreateSessionRequest{
		UserType: id.Role,
		UserID:   id.UserID,
		Username: id.Username,
		FullName: id.FullName,
	})
	if err != nil {
		c.mu.Lock()
		if c.state == Creating {
			c.state = Uninitialized
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state != Creating {
		// Closed while the create request was in flight; give the session
		// back rather than leaking it.
		state := c.state
		c.mu.Unlock()
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), chatapi.DefaultTimeout)
			defer cancel()
			if err := c.api.CleanupSession(cleanupCtx, resp.SessionID); err != nil {
				log.Printf("session: cleanup of orphaned session %s failed: %v", resp.SessionID, err)
			}
		}()
		return &StateError{Op: "open", State: state}
	}

	now := time.Now()
	c.sessionID = resp.SessionID
	c.messages = append([]protocol.ChatMessage(nil), resp.Messages...)
	c.createdAt = now
	c.lastActivityAt = now
	c.state = Active
	c.replySub = c.bus.Subscribe(protocol.TypeAdminReply, c.handleAdminReply)
	c.armIdleTimerLocked()
	c.mu.Unlock()

	log.Printf("session: opened id=%s user=%s", resp.SessionID, id.Username)
	return nil
}

// Send appends a locally-originated message immediately (optimistic echo),
// then issues the send request. Valid only in Active. A request failure is
// returned to the caller; the echoed message stays in the list, matching
// what the operator already saw.
func (c *Coordinator) Send(ctx context.Context, content, targetType string) error {
	c.mu.Lock()
	if c.state != Active {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "send", State: state}
	}

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: c.sessionID,
		Content:   content,
		Sender: protocol.Sender{
			ID:       c.identity.UserID,
			Username: c.identity.Username,
			FullName: c.identity.FullName,
			Role:     c.identity.Role,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      protocol.KindUser,
	}
	c.messages = append(c.messages, msg)
	c.touchLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	_, err := c.api.SendMessage(ctx, chatapi.SendMessageRequest{
		SessionID:  sessionID,
		Content:    content,
		TargetType: targetType,
	})
	return err
}

// Close issues a best-effort cleanup request and transitions to Closed
// regardless of whether that request succeeds. Valid from Active or
// Creating. Cleanup failures are logged, not retried, not surfaced.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Active && c.state != Creating {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "close", State: state}
	}
	c.state = Closing
	c.stopIdleTimerLocked()
	sub := c.replySub
	c.replySub = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	c.bus.Unsubscribe(sub)

	if sessionID != "" {
		if err := c.api.CleanupSession(ctx, sessionID); err != nil {
			log.Printf("session: cleanup of %s failed: %v", sessionID, err)
		}
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	log.Printf("session: closed id=%s", sessionID)
	return nil
}

// CleanupOnExit fires the fire-and-forget cleanup beacon if a session is
// active. Ordinary requests are unreliable while the process is tearing
// down, so this path never waits for a response.
func (c *Coordinator) CleanupOnExit() {
	c.mu.Lock()
	sessionID := c.sessionID
	active := c.state == Active
	c.mu.Unlock()

	if !active || sessionID == "" {
		return
	}
	if err := c.api.CleanupBeacon(sessionID); err != nil {
		log.Printf("session: exit beacon for %s failed: %v", sessionID, err)
	}
}

// handleAdminReply appends a pushed staff reply when its session id matches
// the active session. Replies for other sessions are ignored by this
// coordinator.
func (c *Coordinator) handleAdminReply(data json.RawMessage) {
	var ev protocol.AdminReplyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("session: bad admin_reply payload: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || ev.SessionID != c.sessionID {
		return
	}
	c.messages = append(c.messages, ev.Message)
	c.touchLocked()
}

// touchLocked bumps lastActivityAt and, in reset mode, re-arms the idle
// timer. Caller holds the mutex.
func (c *Coordinator) touchLocked() {
	c.lastActivityAt = time.Now()
	if c.cfg.ResetOnActivity {
		c.armIdleTimerLocked()
	}
}

// armIdleTimerLocked arms the idle timer, replacing any pending one. The
// handle lives in exactly one field and is stopped before reassignment so a
// superseded timer can never fire against newer state.
func (c *Coordinator) armIdleTimerLocked() {
	c.stopIdleTimerLocked()
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		log.Printf("session: idle timeout, closing %s", c.SessionID())
		ctx, cancel := context.WithTimeout(context.Background(), chatapi.DefaultTimeout)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			// A StateError here means an explicit close won the race.
			var se *StateError
			if !errors.As(err, &se) {
				log.Printf("session: idle close failed: %v", err)
			}
		}
	})
}

func (c *Coordinator) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}
