package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/campusmeet/chat-app/loadtest/client"
	"github.com/campusmeet/chat-app/loadtest/stats"
)

// chatCounters tracks aggregate outcomes across every simulated user.
type chatCounters struct {
	matched  atomic.Int64
	msgsSent atomic.Int64
	msgsRecv atomic.Int64
	ended    atomic.Int64
}

// runChat implements the full session lifecycle load test. Every simulated
// user goes through the complete flow: connect -> find_match -> exchange
// messages -> leave_chat -> chat_ended. Partners are assigned by the server,
// so the harness drives each user independently and lets the matchmaker form
// the pairs. Relay latency is measured by embedding the send timestamp in
// each message body.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "dev-secret", "JWT secret shared with the server")
	users := fs.Int("users", 1000, "Number of simulated users (half as many sessions)")
	mode := fs.String("mode", "chat", "Capability mode to request (chat, video, both)")
	messages := fs.Int("messages", 10, "Messages each user sends per session")
	msgInterval := fs.Duration("msg-interval", 500*time.Millisecond, "Delay between messages")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	sessionTimeout := fs.Duration("session-timeout", 2*time.Minute, "Timeout for a user's full lifecycle")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *users%2 != 0 {
		*users++ // the matchmaker needs an even population
	}

	fmt.Printf("Chat test: %d users to %s (mode=%s, messages=%d, interval=%s, ramp=%s)\n",
		*users, *url, *mode, *messages, *msgInterval, *rampUp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *users)

	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(*users)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *users {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = *users // Break the loop.
		case <-rampTicker.C:
			userID := simUserID(launched)
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				token, err := client.MintToken(*secret, userID, tokenTTL)
				if err != nil {
					collector.AddError()
					return
				}

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, userID, token)
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.WaitForReady(connCtx); err != nil {
					collector.AddError()
					c.Close()
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

	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("Phase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, *users,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Run every user's lifecycle
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d user lifecycles ---\n", connectedCount)

	var counters chatCounters
	var lifecycleWg sync.WaitGroup

	mu.Lock()
	activeClients := make([]*client.Client, len(clients))
	copy(activeClients, clients)
	mu.Unlock()

	lifecycleStart := time.Now()

	for _, c := range activeClients {
		c := c
		lifecycleWg.Add(1)
		go func() {
			defer lifecycleWg.Done()

			userCtx, cancel := context.WithTimeout(ctx, *sessionTimeout)
			defer cancel()

			if err := runLifecycle(userCtx, c, *mode, *messages, *msgInterval, collector, &counters); err != nil {
				collector.AddError()
			}
		}()
	}

	// Progress reporting while lifecycles run.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] matched: %d  sent: %d  received: %d  ended: %d  errors: %d\n",
					counters.matched.Load(), counters.msgsSent.Load(),
					counters.msgsRecv.Load(), counters.ended.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		lifecycleWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during chat phase.")
	}

	close(progressStop)
	progressWg.Wait()

	elapsed := time.Since(lifecycleStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Users matched:      %d / %d\n", counters.matched.Load(), connectedCount)
	fmt.Printf("Messages sent:      %d\n", counters.msgsSent.Load())
	fmt.Printf("Messages received:  %d\n", counters.msgsRecv.Load())
	fmt.Printf("Sessions ended:     %d\n", counters.ended.Load())
	fmt.Printf("Duration:           %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Message throughput: %.1f msg/s\n",
			float64(counters.msgsRecv.Load())/elapsed.Seconds())
	}

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runLifecycle drives one user through find_match, message exchange, and
// teardown. The side told to initiate also sends leave_chat once it has sent
// its share of messages and given the partner a grace period to finish.
func runLifecycle(
	ctx context.Context,
	c *client.Client,
	mode string,
	messages int,
	msgInterval time.Duration,
	collector *stats.Collector,
	counters *chatCounters,
) error {
	type matchInfo struct {
		roomID    string
		initiator bool
	}

	matchCh := make(chan matchInfo, 1)
	endedCh := make(chan struct{}, 1)

	c.On(client.TypeChatStarted, func(raw json.RawMessage) {
		var msg struct {
			RoomID         string `json:"room_id"`
			ShouldInitiate bool   `json:"should_initiate"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.RoomID != "" {
			counters.matched.Add(1)
			select {
			case matchCh <- matchInfo{roomID: msg.RoomID, initiator: msg.ShouldInitiate}:
			default:
			}
		}
	})

	// Every relayed message carries "lt <unix-nanos> <filler>"; the
	// receiver turns the timestamp into a relay latency sample.
	c.On(client.TypeNewMessage, func(raw json.RawMessage) {
		counters.msgsRecv.Add(1)
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fields := strings.Fields(msg.Text)
		if len(fields) < 2 || fields[0] != "lt" {
			return
		}
		nanos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return
		}
		collector.AddMsgLatency(time.Since(time.Unix(0, nanos)))
	})

	c.On(client.TypeChatEnded, func(json.RawMessage) {
		counters.ended.Add(1)
		select {
		case endedCh <- struct{}{}:
		default:
		}
	})

	if err := c.FindMatch(mode); err != nil {
		return err
	}

	var match matchInfo
	select {
	case match = <-matchCh:
	case <-ctx.Done():
		return fmt.Errorf("no match for %s: %w", c.UserID(), ctx.Err())
	}

	// Exchange messages.
	for i := 0; i < messages; i++ {
		text := fmt.Sprintf("lt %d hello-%d-from-%s", time.Now().UnixNano(), i, c.UserID())
		if err := c.SendChat(match.roomID, text, false); err != nil {
			return err
		}
		counters.msgsSent.Add(1)

		select {
		case <-time.After(msgInterval):
		case <-endedCh:
			// Partner tore the session down early; lifecycle is done.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if match.initiator {
		// Let the partner drain its send loop before ending the session.
		select {
		case <-time.After(2 * msgInterval):
		case <-endedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := c.LeaveChat(match.roomID); err != nil {
			return err
		}
	}

	select {
	case <-endedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session for %s never ended: %w", c.UserID(), ctx.Err())
	}
}
