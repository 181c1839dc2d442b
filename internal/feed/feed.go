// Package feed provides a NATS client wrapper for the gateway's event
// plane. Backend services publish console events (logs, bot status,
// dashboard stats, command logs, role updates) and chat traffic onto NATS
// subjects; the gateway subscribes and fans the frames out to connected
// websocket clients.
package feed

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the console event plane.
const (
	SubjectEvents         = "console.events"          // broadcast to every events connection
	SubjectEventsIdentity = "console.events.identity" // + .<identity> (targeted delivery)
	SubjectChat           = "console.chat"            // admin_reply / new_chat_message / new_chat_session
)

// Feed wraps the NATS connection with helper methods for the console's
// publish/subscribe surface.
type Feed struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "console-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Connect connects to NATS with the given config and returns a ready feed.
// It returns an error if the initial connection fails.
func Connect(config Config) (*Feed, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[feed] disconnected: %v", err)
			} else {
				log.Printf("[feed] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[feed] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[feed] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("feed: nats connect: %w", err)
	}

	log.Printf("[feed] connected to %s", nc.ConnectedUrl())

	return &Feed{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishEvent publishes an event frame to the broadcast subject. Every
// events websocket connection receives it.
func (f *Feed) PublishEvent(data []byte) error {
	return f.conn.Publish(SubjectEvents, data)
}

// PublishEventTo publishes an event frame addressed to one identity.
func (f *Feed) PublishEventTo(identity string, data []byte) error {
	return f.conn.Publish(SubjectEventsIdentity+"."+identity, data)
}

// PublishChat publishes a chat frame to the shared chat subject.
func (f *Feed) PublishChat(data []byte) error {
	return f.conn.Publish(SubjectChat, data)
}

// SubscribeEvents subscribes to broadcast event frames.
func (f *Feed) SubscribeEvents(handler func(data []byte)) error {
	return f.subscribe(SubjectEvents, handler)
}

// SubscribeEventsIdentity subscribes to targeted event frames. The wildcard
// subscription covers every identity; the handler receives the identity
// extracted from the subject along with the frame.
func (f *Feed) SubscribeEventsIdentity(handler func(identity string, data []byte)) error {
	subject := SubjectEventsIdentity + ".*"
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		identity := msg.Subject[len(SubjectEventsIdentity)+1:]
		handler(identity, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", subject, err)
	}

	f.mu.Lock()
	f.subs[subject] = sub
	f.mu.Unlock()
	return nil
}

// SubscribeChat subscribes to chat frames.
func (f *Feed) SubscribeChat(handler func(data []byte)) error {
	return f.subscribe(SubjectChat, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for subject, sub := range f.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[feed] drain %s: %v", subject, err)
		}
	}
	f.subs = make(map[string]*nats.Subscription)

	if err := f.conn.Drain(); err != nil {
		log.Printf("[feed] connection drain: %v", err)
	}

	log.Printf("[feed] client closed")
}

func (f *Feed) subscribe(subject string, handler func(data []byte)) error {
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", subject, err)
	}

	f.mu.Lock()
	f.subs[subject] = sub
	f.mu.Unlock()
	return nil
}
