package chatapi

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// BeaconTimeout bounds how long a beacon may spend dialing and writing.
// The process is usually tearing down when a beacon fires, so the bound is
// deliberately tight.
const BeaconTimeout = 2 * time.Second

// CleanupBeacon sends the session cleanup payload as a fire-and-forget POST
// to /api/chat/cleanup. It writes the raw HTTP request over a short-lived
// TCP connection and returns without waiting for a response, so it stays
// usable from exit paths where an ordinary round trip would be cut off.
// Delivery is best-effort: any error means the server-side idle sweeper
// reclaims the session instead.
func (c *Client) CleanupBeacon(sessionID string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("chatapi: beacon: bad base url: %w", err)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	body := fmt.Sprintf(`{"sessionId":%q}`, sessionID)

	var req strings.Builder
	fmt.Fprintf(&req, "POST /api/chat/cleanup HTTP/1.1\r\n")
	fmt.Fprintf(&req, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&req, "Content-Type: application/json\r\n")
	if c.token != "" {
		fmt.Fprintf(&req, "Authorization: Bearer %s\r\n", c.token)
	}
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&req, "Connection: close\r\n\r\n")
	req.WriteString(body)

	conn, err := net.DialTimeout("tcp", host, BeaconTimeout)
	if err != nil {
		return fmt.Errorf("chatapi: beacon dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(BeaconTimeout))
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("chatapi: beacon write: %w", err)
	}
	return nil
}
