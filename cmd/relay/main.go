package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JohnZolton/ndk/relay"
)

func main() {
	// Parse command line flags
	port := flag.String("port", "8080", "Port to run the relay on")
	dbPath := flag.String("db", "nostr.db", "Path to SQLite database")
	maxSubs := flag.Int("max-subs", 0, "Max concurrent subscriptions per client (0 = unlimited)")
	authRequired := flag.Bool("auth", false, "Require NIP-42 authentication")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	// Initialize the relay
	r, err := relay.NewRelay(*dbPath,
		relay.WithVerboseLogging(*verbose),
		relay.WithMaxSubscriptions(*maxSubs),
		relay.WithAuthRequired(*authRequired),
		relay.WithConnectionTimeouts(60*time.Second),
	)
	if err != nil {
		log.Fatalf("Failed to initialize relay: %v", err)
	}
	defer r.Close()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Nostr relay is running. Connect to the WebSocket endpoint at /ws"))
	})
	http.HandleFunc("/ws", r.HandleWebSocket)

	log.Printf("Starting relay on port %s", *port)
	server := &http.Server{
		Addr: ":" + *port,
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down relay...")
		server.Close()
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	log.Println("Relay shutdown complete")
}
