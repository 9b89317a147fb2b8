package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/JohnZolton/ndk/client"
)

func main() {
	// Parse command line flags
	relayURL := flag.String("relay", "ws://localhost:8080/ws", "URL of the Nostr relay")
	privateKey := flag.String("key", "", "Private key in hex format (optional, will generate if not provided)")
	flag.Parse()

	signer, err := makeSigner(*privateKey)
	if err != nil {
		log.Fatalf("Failed to load key: %v", err)
	}

	conn, err := client.NewConn(*relayURL, client.WithReconnect(false))
	if err != nil {
		log.Fatalf("Invalid relay URL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Disconnect()

	fmt.Printf("Using public key: %s\n", signer.PublicKey())
	fmt.Println("Enter text notes to publish (empty line to quit):")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		content := scanner.Text()
		if content == "" {
			break
		}

		event := client.NewEvent(1, content, nil)
		if err := signer.Sign(event); err != nil {
			log.Printf("Failed to sign note: %v", err)
			continue
		}

		pubCtx, pubCancel := context.WithTimeout(context.Background(), 10*time.Second)
		reason, err := conn.Publish(pubCtx, event)
		pubCancel()
		if err != nil {
			log.Printf("Failed to publish note: %v", err)
			continue
		}

		fmt.Printf("Published note %s (%s)\n", event.ID, reason)
	}
}

func makeSigner(hexKey string) (client.Signer, error) {
	if hexKey == "" {
		return client.GenerateSigner()
	}

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	if priv == nil {
		return nil, fmt.Errorf("invalid private key")
	}
	return client.NewPrivateKeySigner(priv), nil
}
