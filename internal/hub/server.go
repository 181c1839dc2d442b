// Package hub is the gateway's WebSocket server. It upgrades connections on
// /ws/{identity} (general console events) and /ws/chat (chat pushes),
// registers them with a Linux epoll instance, and fans envelopes out to the
// right audience. The server is receive-oriented toward clients: inbound
// frames are read only to detect closure and keepalive traffic.
package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/consoleops/realtime/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server multiplexes console event and chat push connections. It registers
// upgraded connections with an epoll instance for I/O readiness
// notifications and dispatches ready connections to a bounded worker pool.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *Registry
	workerPool chan struct{} // semaphore limiting concurrent read workers
	bufPool    sync.Pool     // pool of reusable read buffers
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration.
func NewServer(config ServerConfig) *Server {
	return &Server{
		config:     config,
		conns:      NewRegistry(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// Start initializes the epoll instance, begins the event loop and heartbeat
// monitor, and registers the WebSocket endpoints on mux. It returns
// immediately; the caller owns the HTTP listener.
func (s *Server) Start(mux *http.ServeMux) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("hub: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux.HandleFunc("/ws/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("hub: websocket endpoints ready (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The path decides the channel: /ws/chat joins
// the shared chat channel; any other /ws/{identity} path joins the events
// channel for that identity.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	channel := ChannelEvents
	if identity == "chat" {
		channel = ChannelChat
		identity = ""
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Identity:  identity,
		Channel:   channel,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("hub: epoll add failed for conn %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	metrics.ConnectionsTotal.WithLabelValues(channel).Inc()
	log.Printf("hub: new connection id=%s channel=%s identity=%s (total=%d)",
		c.ID, channel, identity, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and discards the pending frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("hub: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong, close) are handled
// without blocking on a data frame. The connection is receive-oriented:
// client data frames are drained and dropped, since every client write goes
// through the chat service's request/response surface instead.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastSeen = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// Drain and discard the data frame payload.
	if header.Length > 0 {
		bufp := s.bufPool.Get().(*[]byte)
		_, err = io.CopyBuffer(io.Discard, reader, *bufp)
		s.bufPool.Put(bufp)
		if err != nil {
			s.RemoveConnection(c)
		}
	}
}

// RemoveConnection removes a connection from both epoll and the registry and
// closes the underlying network connection. It is exported so that the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the registry.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.WithLabelValues(c.Channel).Dec()
	log.Printf("hub: connection closed id=%s channel=%s (total=%d)", c.ID, c.Channel, s.conns.Count())
}

// BroadcastEvents sends an envelope to every events-channel connection.
// Errors on individual connections are ignored; failed connections are
// cleaned up by the event loop when the next read fails.
func (s *Server) BroadcastEvents(data []byte) {
	s.broadcast(ChannelEvents, data)
}

// BroadcastChat sends an envelope to every chat-channel connection.
func (s *Server) BroadcastChat(data []byte) {
	s.broadcast(ChannelChat, data)
}

func (s *Server) broadcast(channel string, data []byte) {
	for _, conn := range s.conns.Channel(channel) {
		s.write(conn, data)
	}
}

// SendToIdentity writes an envelope to every events-channel connection held
// by one identity. Returns the number of connections written to.
func (s *Server) SendToIdentity(identity string, data []byte) int {
	conns := s.conns.ByIdentity(identity)
	for _, conn := range conns {
		s.write(conn, data)
	}
	return len(conns)
}

func (s *Server) write(c *Connection, data []byte) {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("hub: write to %s failed: %v", c.ID, err)
	}
	// Clear the deadline so it doesn't affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})
}

// Connections returns the Registry for external access to connection state
// (e.g., by the heartbeat monitor).
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("hub: shutting down...")
	close(s.done)

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		if err := s.epoll.Close(); err != nil {
			return fmt.Errorf("hub: epoll close: %w", err)
		}
	}
	log.Printf("hub: stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
