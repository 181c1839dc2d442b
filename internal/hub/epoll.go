//go:build linux

package hub

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// eventBatchSize is the size of the reusable epoll_wait event buffer.
const eventBatchSize = 128

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of a read goroutine per console client, file descriptors are
// registered with the kernel and the event loop is woken only when a
// connection has data or has hung up.
type Epoll struct {
	fd      int              // epoll file descriptor
	watched map[int]net.Conn // fd -> net.Conn mapping
	mu      sync.RWMutex     // protects watched map
	events  []unix.EpollEvent
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:      fd,
		watched: make(map[int]net.Conn),
		events:  make([]unix.EpollEvent, eventBatchSize),
	}, nil
}

// Add registers a connection for read-readiness and hangup notifications.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.watched[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection from the epoll interest list.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.watched, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until one or more registered connections are ready and returns
// them. Connections removed between epoll_wait returning and the lookup are
// silently skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.watched[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn via SyscallConn,
// which keeps the original fd valid for epoll registration (File() would
// duplicate it).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
