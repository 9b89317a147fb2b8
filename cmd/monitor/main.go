package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JohnZolton/ndk/client"
)

func main() {
	// Parse command line flags
	relayURL := flag.String("relay", "ws://localhost:8080/ws", "URL of the Nostr relay")
	kind := flag.Int("kind", 1, "Event kind to watch")
	flag.Parse()

	handlers := client.Handlers{
		OnConnect: func() {
			fmt.Println("* connected")
		},
		OnDisconnect: func() {
			fmt.Println("* disconnected")
		},
		OnNotice: func(text string) {
			fmt.Printf("* notice: %s\n", text)
		},
		OnAuth: func(challenge string) {
			fmt.Printf("* auth challenge: %s\n", challenge)
		},
		OnAuthed: func() {
			fmt.Println("* authenticated")
		},
		OnFlapping: func(stats client.ConnStats) {
			fmt.Printf("* relay is flapping (%d sessions tracked), reconnection suspended\n", len(stats.Durations))
		},
		OnDelayedConnect: func(delay time.Duration) {
			fmt.Printf("* reconnecting in %v\n", delay)
		},
	}

	conn, err := client.NewConn(*relayURL, client.WithHandlers(handlers))
	if err != nil {
		log.Fatalf("Invalid relay URL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = conn.Connect(ctx)
	cancel()
	if err != nil {
		log.Printf("Initial connect failed: %v (reconnects scheduled)", err)
	}

	if conn.Status() == client.Connected {
		_, err = conn.Subscribe([]client.Filter{{Kinds: []int{*kind}}}, client.SubscriptionParams{
			OnEvent: func(ev *client.Event) {
				fmt.Printf("[%s] %s: %s\n",
					time.Unix(ev.CreatedAt, 0).Format(time.TimeOnly), ev.PubKey[:8], ev.Content)
			},
			OnEose: func() {
				fmt.Println("* end of stored events")
			},
			OnClosed: func(reason string) {
				fmt.Printf("* subscription closed: %s\n", reason)
			},
		})
		if err != nil {
			log.Fatalf("Failed to subscribe: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stats := conn.Stats()
	fmt.Printf("\n%d attempts, %d successes, %d sessions tracked\n",
		stats.Attempts, stats.Successes, len(stats.Durations))
	conn.Disconnect()
}
