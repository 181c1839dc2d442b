// Package client implements the client side of the console's persistent
// WebSocket connection. A Manager owns at most one live transport for its
// identity, feeds every inbound envelope onto the event bus keyed by the
// envelope type, and transparently reconnects after a fixed delay when the
// transport drops. Consumers subscribe to the bus; they never touch frames.
package client

import (
	"context"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/metrics"
	"github.com/consoleops/realtime/internal/protocol"
)

// DefaultReconnectDelay is the fixed interval between reconnect attempts.
// There is deliberately no backoff: the console is a low-traffic tool with a
// human operator present, and a dropped link should come back the moment the
// network does.
const DefaultReconnectDelay = 3 * time.Second

// State describes the transport lifecycle of a Manager.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Dialer opens the underlying transport. The default dials a WebSocket with
// gobwas/ws; tests substitute an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, endpoint)
	return conn, err
}

// Config holds the Manager's tunable parameters.
type Config struct {
	// URL is the endpoint to dial. The literal segment "{identity}" is
	// replaced with the path-escaped identity passed to Connect, e.g.
	// "ws://gateway:8080/ws/{identity}". Endpoints without the placeholder
	// (the shared chat channel) are dialed as-is.
	URL string

	// ReconnectDelay is the fixed wait before a reconnect attempt.
	// Defaults to DefaultReconnectDelay when zero.
	ReconnectDelay time.Duration

	// Dialer overrides the transport dialer. Defaults to gobwas/ws.
	Dialer Dialer
}

func (c Config) endpoint(identity string) string {
	return strings.ReplaceAll(c.URL, "{identity}", url.PathEscape(identity))
}

// Manager maintains a single live WebSocket for one logical identity.
//
// Connect is idempotent: while a connection is open or being opened, further
// calls return immediately without opening a second socket. When the
// transport closes, for any reason other than an explicit Disconnect, exactly
// one reconnect attempt is scheduled after the configured delay, reusing the
// same identity. Subscriptions on the bus survive reconnects untouched.
type Manager struct {
	cfg Config
	bus *bus.Bus

	writeMu sync.Mutex // serializes frame writes on the live transport

	mu             sync.Mutex
	state          State
	conn           net.Conn
	identity       string
	lastOpenedAt   time.Time
	reconnectTimer *time.Timer
	gen            uint64 // incremented per transport; stale read loops are ignored
}

// New creates a Manager publishing onto b. The Manager does not connect
// until Connect is called.
func New(b *bus.Bus, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	return &Manager{cfg: cfg, bus: b}
}

// Bus returns the event bus this manager publishes to.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

// State returns the current transport state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current or most recent connection.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// LastOpenedAt returns when the current transport was opened, or the zero
// time if it never opened.
func (m *Manager) LastOpenedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpenedAt
}

// Connect opens the transport for the given identity. If a connection is
// already open or being opened, Connect returns nil immediately without
// touching it. On success the topic "connect" is published and a read loop
// begins feeding inbound envelopes onto the bus. On failure the topic
// "disconnect" is published, one reconnect attempt is scheduled, and the
// dial error is returned.
func (m *Manager) Connect(ctx context.Context, identity string) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.identity = identity
	m.cancelReconnectLocked()
	m.mu.Unlock()

	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.endpoint(identity))
	if err != nil {
		log.Printf("client: dial %s failed: %v", m.cfg.endpoint(identity), err)
		m.mu.Lock()
		if m.state != StateConnecting {
			// Disconnect raced the dial; stay down.
			m.mu.Unlock()
			return err
		}
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.bus.Publish(protocol.TopicDisconnect, nil)
		return err
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Disconnect raced the dial; discard the fresh transport.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateOpen
	m.lastOpenedAt = time.Now()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	log.Printf("client: connected identity=%s", identity)
	m.bus.Publish(protocol.TopicConnect, nil)

	go m.readLoop(conn, gen)
	return nil
}

// Disconnect cancels any pending reconnect and closes the live transport if
// present. After Disconnect no reconnect attempts occur until Connect is
// called again. It is safe to call when no connection exists.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	conn := m.conn
	hadConn := conn != nil && m.state == StateOpen
	m.conn = nil
	m.state = StateClosed
	m.gen++ // orphan the read loop so it cannot publish or reconnect
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if hadConn {
		m.bus.Publish(protocol.TopicDisconnect, nil)
	}
}

// Send transmits an envelope of the given type and payload. If the transport
// is not currently open the send is silently dropped: there is no outbound
// buffering or retry, and a caller who needs delivery must re-issue after
// reconnect.
func (m *Manager) Send(eventType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return nil
	}

	data, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// readLoop reads frames until the transport fails, publishing each envelope
// under its type tag. A frame that fails to parse is dropped; the connection
// stays up and other subscribers are unaffected.
func (m *Manager) readLoop(conn net.Conn, gen uint64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.transportClosed(gen)
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			metrics.FramesDropped.Inc()
			log.Printf("client: dropping malformed frame: %v", err)
			continue
		}

		metrics.EventsReceived.WithLabelValues(env.Type).Inc()
		m.bus.Publish(env.Type, env.Data)
	}
}

// transportClosed handles an unexpected transport loss observed by the read
// loop of generation gen. Stale generations (already replaced by a newer
// connection or orphaned by Disconnect) are ignored.
func (m *Manager) transportClosed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	log.Printf("client: connection lost identity=%s, reconnecting in %s", m.Identity(), m.cfg.ReconnectDelay)
	m.bus.Publish(protocol.TopicDisconnect, nil)
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending. The timer handle lives in exactly one place and is cleared before
// reassignment, so at most one attempt can ever be in flight.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		return
	}
	identity := m.identity
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()

		metrics.ReconnectsTotal.Inc()
		log.Printf("client: attempting to reconnect identity=%s", identity)
		_ = m.Connect(context.Background(), identity)
	})
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}
