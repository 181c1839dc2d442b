// Package notify holds the single-slot presentation state for role-change
// notifications. At most one notification is live at a time: a newer one
// replaces the current one and restarts the auto-clear timer.
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/protocol"
)

// DefaultTTL is how long a notification stays visible before it clears
// itself.
const DefaultTTL = 5 * time.Second

// Notification is the currently displayed notification.
type Notification struct {
	Kind     string
	Message  string
	Data     protocol.RoleUpdateEvent
	IssuedAt time.Time
}

// Controller subscribes to the role_update topic and exposes the current
// notification with auto-expiry. Last write wins; there is no queue.
type Controller struct {
	bus *bus.Bus
	ttl time.Duration

	mu      sync.Mutex
	current *Notification
	timer   *time.Timer
	gen     uint64
	sub     *bus.Subscription
}

// New creates a Controller subscribed to role_update on b. A ttl of zero
// selects DefaultTTL. Call Close to release the subscription.
func New(b *bus.Bus, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Controller{bus: b, ttl: ttl}
	c.sub = b.Subscribe(protocol.TypeRoleUpdate, c.handleRoleUpdate)
	return c
}

// Current returns the live notification, or nil when none is displayed.
func (c *Controller) Current() *Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Clear removes the current notification and cancels the pending auto-clear
// timer. It is idempotent and callable at any time.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Close clears state and releases the bus subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	c.clearLocked()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.bus.Unsubscribe(sub)
}

func (c *Controller) handleRoleUpdate(data json.RawMessage) {
	var ev protocol.RoleUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("notify: bad role_update payload: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace whatever is showing and restart the clock. Stop alone is not
	// enough: an expired timer's callback may already be blocked on the
	// mutex, so the generation check below keeps it from wiping the
	// replacement.
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.current = &Notification{
		Kind:     protocol.TypeRoleUpdate,
		Message:  ev.Message,
		Data:     ev,
		IssuedAt: time.Now(),
	}
	c.timer = time.AfterFunc(c.ttl, func() { c.expire(gen) })
}

// expire clears the slot only if no newer notification replaced the one the
// timer was armed for.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.clearLocked()
}

// clearLocked resets the slot. Caller holds the mutex.
func (c *Controller) clearLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = nil
}
