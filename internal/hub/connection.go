package hub

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Channel names for the two connection endpoints.
const (
	ChannelEvents = "events" // general console events, one per identity
	ChannelChat   = "chat"   // chat pushes, shared endpoint
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection ID (UUID)
	Identity   string     // client identity from the URL path; "" on the chat channel
	Channel    string     // ChannelEvents or ChannelChat
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastSeen   time.Time  // last frame received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe index of live connections. It supports O(1)
// lookups by connection ID, file descriptor, and identity, plus per-channel
// iteration for broadcasts.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Connection
	byFd       map[int]*Connection
	byIdentity map[string][]*Connection // events-channel connections per identity
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*Connection),
		byFd:       make(map[int]*Connection),
		byIdentity: make(map[string][]*Connection),
	}
}

// Add registers a new connection in every lookup index.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.byFd[conn.Fd] = conn
	if conn.Channel == ChannelEvents && conn.Identity != "" {
		r.byIdentity[conn.Identity] = append(r.byIdentity[conn.Identity], conn)
	}
	r.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from every index. Returns true if the
// connection was found and removed, false if it was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		r.removeLocked(conn)
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (r *Registry) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	r.mu.RLock()
	conn := r.byFd[fd]
	r.mu.RUnlock()
	return conn
}

// Get returns the connection for the given ID, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// ByIdentity returns a snapshot of the events-channel connections for one
// identity.
func (r *Registry) ByIdentity(identity string) []*Connection {
	r.mu.RLock()
	conns := append([]*Connection(nil), r.byIdentity[identity]...)
	r.mu.RUnlock()
	return conns
}

// Channel returns a snapshot of all connections on the given channel.
func (r *Registry) Channel(channel string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		if conn.Channel == channel {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()
	return conns
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byID, conn.ID)
	delete(r.byFd, conn.Fd)
	if conn.Channel == ChannelEvents && conn.Identity != "" {
		conns := r.byIdentity[conn.Identity]
		for i, c := range conns {
			if c.ID == conn.ID {
				conns = append(conns[:i:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(r.byIdentity, conn.Identity)
		} else {
			r.byIdentity[conn.Identity] = conns
		}
	}
}
