package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/consoleops/realtime/loadtest/client"
	"github.com/consoleops/realtime/loadtest/stats"
)

// runSaturate opens a target number of events-channel connections, ramping
// up over a configurable duration, then holds them open while reporting how
// many survive. Each connection uses a distinct synthetic identity, so the
// gateway's per-identity index grows with the connection count.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080/ws", "gateway WebSocket base URL (identity is appended)")
	connections := fs.Int("connections", 1000, "number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after ramp-up")
	concurrency := fs.Int("concurrency", 50, "max simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *base, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	interrupted := false

	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := 0
		lastAt := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, *connections, collector.ErrorCount(), rate)
				last, lastAt = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *connections {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			launched = *connections
		case <-rampTicker.C:
			launched++
			id := launched
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				url := fmt.Sprintf("%s/load-%d", *base, id)
				c, err := client.New(connCtx, url)
				if err != nil {
					collector.AddError()
					return
				}

				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initialAlive := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initialAlive, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				mu.Lock()
				alive := 0
				for _, c := range clients {
					if c.GetMetrics().Errors == 0 {
						alive++
					}
				}
				mu.Unlock()
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n",
					alive, initialAlive, initialAlive-alive)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report()
}
