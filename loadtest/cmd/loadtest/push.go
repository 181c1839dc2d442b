package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/consoleops/realtime/loadtest/client"
	"github.com/consoleops/realtime/loadtest/stats"
)

// runPush measures end-to-end push delivery: it holds chat-channel listeners
// open, then generates user messages through the chat HTTP API and records
// the time until the matching new_chat_message frame arrives on a listener.
func runPush(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	wsURL := fs.String("ws", "ws://localhost:8080/ws/chat", "gateway chat channel URL")
	apiURL := fs.String("api", "http://localhost:8080", "gateway HTTP base URL")
	listeners := fs.Int("listeners", 10, "number of chat-channel listeners")
	messages := fs.Int("messages", 100, "number of messages to send")
	rate := fs.Duration("interval", 500*time.Millisecond, "interval between messages")
	fs.Parse(args)

	fmt.Printf("Push test: %d listeners, %d messages at one per %s\n",
		*listeners, *messages, *rate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// sentAt maps message content to its send time. The first listener to
	// see a given content records the latency; duplicates are ignored.
	var mu sync.Mutex
	sentAt := make(map[string]time.Time)

	clients := make([]*client.Client, 0, *listeners)
	for i := 0; i < *listeners; i++ {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := client.New(connCtx, *wsURL)
		cancel()
		if err != nil {
			collector.AddError()
			fmt.Printf("listener %d: %v\n", i, err)
			continue
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		c.On("new_chat_message", func(data json.RawMessage) {
			var ev struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				return
			}
			mu.Lock()
			if at, ok := sentAt[ev.Message.Content]; ok {
				delete(sentAt, ev.Message.Content)
				mu.Unlock()
				collector.AddPushLatency(time.Since(at))
				return
			}
			mu.Unlock()
		})
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	if len(clients) == 0 {
		fmt.Println("no listeners connected, aborting")
		return
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	sessionID, err := createSession(ctx, httpClient, *apiURL)
	if err != nil {
		fmt.Printf("create session: %v\n", err)
		return
	}
	fmt.Printf("session %s created, sending...\n", sessionID)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

sendLoop:
	for i := 0; i < *messages; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted.")
			break sendLoop
		case <-ticker.C:
			content := fmt.Sprintf("push-probe-%d-%d", time.Now().UnixNano(), i)
			mu.Lock()
			sentAt[content] = time.Now()
			mu.Unlock()
			if err := sendMessage(ctx, httpClient, *apiURL, sessionID, content); err != nil {
				collector.AddError()
				mu.Lock()
				delete(sentAt, content)
				mu.Unlock()
			}
		}
	}

	// Give in-flight pushes a moment to land.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		pending := len(sentAt)
		mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	lost := len(sentAt)
	mu.Unlock()
	if lost > 0 {
		fmt.Printf("\n%d message(s) never arrived on any listener\n", lost)
	}
	fmt.Printf("delivered: %d\n", collector.PushCount())

	collector.Report()
}

func createSession(ctx context.Context, hc *http.Client, apiURL string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"userType": "user",
		"userId":   "loadtest",
		"username": "loadtest",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/chat/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func sendMessage(ctx context.Context, hc *http.Client, apiURL, sessionID, content string) error {
	body, _ := json.Marshal(map[string]string{
		"sessionId":  sessionID,
		"content":    content,
		"targetType": "admin",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/chat/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
