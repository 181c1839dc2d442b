// Command console is the operator-side client: it holds the persistent
// event and chat connections to the gateway, tails pushed console events,
// surfaces role-change notifications, and drives a support chat session
// from stdin commands.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/consoleops/realtime/internal/bus"
	"github.com/consoleops/realtime/internal/chatapi"
	"github.com/consoleops/realtime/internal/client"
	"github.com/consoleops/realtime/internal/identity"
	"github.com/consoleops/realtime/internal/notify"
	"github.com/consoleops/realtime/internal/protocol"
	"github.com/consoleops/realtime/internal/session"
)

func main() {
	gatewayURL := "ws://localhost:8080"
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		gatewayURL = v
	}
	apiURL := "http://localhost:8080"
	if v := os.Getenv("API_URL"); v != "" {
		apiURL = v
	}

	credsPath := os.Getenv("CREDENTIALS_PATH")
	if credsPath == "" {
		var err error
		credsPath, err = identity.DefaultPath()
		if err != nil {
			log.Fatalf("failed to resolve credentials path: %v", err)
		}
	}
	creds, err := identity.Load(credsPath)
	if err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	log.Printf("Console starting")
	log.Printf("  gateway_url: %s", gatewayURL)
	log.Printf("  api_url:     %s", apiURL)
	log.Printf("  identity:    %s (%s)", creds.Username, creds.Role)

	b := bus.New()

	// Two persistent connections: the per-identity events channel and the
	// shared chat channel. Both dispatch onto the same bus; the two channels
	// carry disjoint event types.
	eventsConn := client.New(b, client.Config{URL: gatewayURL + "/ws/{identity}"})
	chatConn := client.New(b, client.Config{URL: gatewayURL + "/ws/chat"})

	tailEvents(b)

	notifier := notify.New(b, notify.DefaultTTL)
	defer notifier.Close()
	b.Subscribe(protocol.TypeRoleUpdate, func(json.RawMessage) {
		if n := notifier.Current(); n != nil {
			fmt.Printf("*** %s\n", n.Data.Message)
		}
	})

	ctx := context.Background()
	if err := eventsConn.Connect(ctx, creds.UserID); err != nil {
		log.Printf("events connect: %v (reconnecting)", err)
	}
	if err := chatConn.Connect(ctx, creds.UserID); err != nil {
		log.Printf("chat connect: %v (reconnecting)", err)
	}

	api := chatapi.New(apiURL, creds.Token)
	me := session.Identity{
		UserID:   creds.UserID,
		Username: creds.Username,
		FullName: creds.FullName,
		Role:     creds.Role,
	}
	chat := session.New(api, b, session.Config{})

	var staff *session.AdminCoordinator
	if creds.Role == protocol.TargetAdmin || creds.Role == protocol.TargetModerator {
		staff = session.NewAdmin(api, b, me, creds.Role)
		staff.OnChange = func() {
			fmt.Printf("(session list updated: %d open)\n", len(staff.Sessions()))
		}
		defer staff.Close()
	}

	// Mirror the page-unload path: fire the cleanup beacon and drop both
	// connections before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, cleaning up...", sig)
		chat.CleanupOnExit()
		eventsConn.Disconnect()
		chatConn.Disconnect()
		os.Exit(0)
	}()

	repl(chat, staff, me)

	// Stdin closed; leave cleanly.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if chat.State() == session.Active {
		if err := chat.Close(cleanupCtx); err != nil {
			log.Printf("close session: %v", err)
		}
	}
	eventsConn.Disconnect()
	chatConn.Disconnect()
}

// tailEvents prints pushed console events as they arrive.
func tailEvents(b *bus.Bus) {
	b.Subscribe(protocol.TypeLog, func(data json.RawMessage) {
		var ev protocol.LogEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		fmt.Printf("[%s] %s %s\n", ev.Timestamp, strings.ToUpper(ev.Level), ev.Message)
	})
	b.Subscribe(protocol.TypeBotStatus, func(data json.RawMessage) {
		fmt.Printf("[bot_status] %s\n", data)
	})
	b.Subscribe(protocol.TypeDashboardStats, func(data json.RawMessage) {
		fmt.Printf("[stats] %s\n", data)
	})
	b.Subscribe(protocol.TypeCommandLog, func(data json.RawMessage) {
		fmt.Printf("[command] %s\n", data)
	})
	b.Subscribe(protocol.TopicConnect, func(json.RawMessage) {
		fmt.Println("(connected)")
	})
	b.Subscribe(protocol.TopicDisconnect, func(json.RawMessage) {
		fmt.Println("(disconnected, retrying)")
	})
}

// repl reads commands from stdin until EOF.
func repl(chat *session.Coordinator, staff *session.AdminCoordinator, me session.Identity) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		switch cmd {
		case "open":
			if err := chat.Open(ctx, me); err != nil {
				fmt.Printf("open: %v\n", err)
			} else {
				fmt.Printf("session %s open\n", chat.SessionID())
			}

		case "send":
			target := protocol.TargetAdmin
			if after, ok := strings.CutPrefix(rest, "@moderator "); ok {
				target, rest = protocol.TargetModerator, after
			}
			if err := chat.Send(ctx, rest, target); err != nil {
				fmt.Printf("send: %v\n", err)
			}

		case "close":
			if err := chat.Close(ctx); err != nil {
				fmt.Printf("close: %v\n", err)
			}

		case "history":
			for _, msg := range chat.Messages() {
				fmt.Printf("  %s %s: %s\n", msg.Timestamp, msg.Sender.Username, msg.Content)
			}

		case "sessions":
			if staff == nil {
				fmt.Println("sessions: admin or moderator role required")
				break
			}
			list, err := staff.ListSessions(ctx)
			if err != nil {
				fmt.Printf("sessions: %v\n", err)
				break
			}
			for _, s := range list {
				fmt.Printf("  %s %s (%s) last active %s\n", s.ID, s.Username, s.UserRole, s.LastActivity)
			}

		case "view":
			if staff == nil {
				fmt.Println("view: admin or moderator role required")
				break
			}
			messages, err := staff.SelectSession(ctx, rest)
			if err != nil {
				fmt.Printf("view: %v\n", err)
				break
			}
			for _, msg := range messages {
				fmt.Printf("  %s %s: %s\n", msg.Timestamp, msg.Sender.Username, msg.Content)
			}

		case "reply":
			if staff == nil {
				fmt.Println("reply: admin or moderator role required")
				break
			}
			if err := staff.SendReply(ctx, rest); err != nil {
				fmt.Printf("reply: %v\n", err)
			}

		default:
			fmt.Println("commands: open | send [@moderator] <text> | close | history | sessions | view <id> | reply <text>")
		}
		cancel()
	}
}
