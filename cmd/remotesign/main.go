package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/JohnZolton/ndk/client"
)

func main() {
	// Parse command line flags
	relayURL := flag.String("relay", "ws://localhost:8080/ws", "URL of the Nostr relay")
	token := flag.String("signer", "", "Remote signer: npub[#otp], NIP-05 identifier, or hex pubkey")
	content := flag.String("note", "signed remotely", "Content of the note to sign")
	flag.Parse()

	if *token == "" {
		log.Fatal("a -signer token is required")
	}

	conn, err := client.NewConn(*relayURL)
	if err != nil {
		log.Fatalf("Invalid relay URL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Disconnect()

	session, err := client.NewSignerSession(conn, *token,
		client.WithAuthURLHandler(func(url string) {
			fmt.Printf("Approve this session at: %s\n", url)
		}),
	)
	if err != nil {
		log.Fatalf("Invalid signer token: %v", err)
	}

	// Show the local transport key as npub + QR so the signer app can
	// whitelist this client
	npub, err := client.EncodeNpub(session.LocalPubkey())
	if err != nil {
		log.Fatalf("Failed to encode local pubkey: %v", err)
	}
	qr, err := qrcode.New(npub, qrcode.Medium)
	if err == nil {
		fmt.Println(qr.ToSmallString(false))
	}
	fmt.Printf("Local session key: %s\n", npub)

	remote, err := session.BlockUntilReady(ctx)
	if err != nil {
		log.Fatalf("Signer handshake failed: %v", err)
	}
	fmt.Printf("Connected to remote signer %s\n", remote)

	event := client.NewEvent(1, *content, nil)
	event.PubKey = remote
	id, err := event.ComputeID()
	if err != nil {
		log.Fatalf("Failed to compute event id: %v", err)
	}
	event.ID = id

	sig, err := session.SignEvent(ctx, event)
	if err != nil {
		log.Fatalf("Remote signing failed: %v", err)
	}
	event.Sig = sig

	reason, err := conn.Publish(ctx, event)
	if err != nil {
		log.Fatalf("Failed to publish signed note: %v", err)
	}
	fmt.Printf("Published %s (%s)\n", event.ID, reason)
}
