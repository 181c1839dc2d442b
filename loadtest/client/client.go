// Package client provides a reusable WebSocket load test client for the
// console gateway. It connects using gobwas/ws (the same library the gateway
// uses), dispatches pushed envelopes to registered handlers by type, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency  time.Duration
	FirstPushDelay  time.Duration // connect to first pushed frame
	FramesReceived  int
	MalformedFrames int
	Errors          int
}

// Client is one simulated console connection to the gateway, either an
// events connection (/ws/<identity>) or the shared chat channel (/ws/chat).
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	openedAt  time.Time
	firstPush bool
}

// New dials the given WebSocket URL and starts a background read loop.
// Handlers registered with On receive pushed envelopes by type.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers a handler for one envelope type. Handlers run on the read
// loop goroutine and must not block. Registering a second handler for the
// same type replaces the first. Call before traffic starts.
func (c *Client) On(eventType string, handler func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close, not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		parseErr := json.Unmarshal(data, &envelope)

		c.mu.Lock()
		c.metrics.FramesReceived++
		if !c.firstPush {
			c.firstPush = true
			c.metrics.FirstPushDelay = time.Since(c.openedAt)
		}
		if parseErr != nil || envelope.Type == "" {
			c.metrics.MalformedFrames++
			c.mu.Unlock()
			continue
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(envelope.Data)
		}
	}
}
