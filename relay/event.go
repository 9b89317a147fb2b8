package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JohnZolton/ndk/lib/crypto"
	"github.com/JohnZolton/ndk/lib/utils"
)

// Event represents a Nostr event
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// handleEvent processes an EVENT message
func (c *Client) handleEvent(msg []json.RawMessage) {
	if len(msg) < 2 {
		c.sendNotice("invalid EVENT message")
		return
	}

	var event Event
	if err := json.Unmarshal(msg[1], &event); err != nil {
		c.sendNotice("invalid event format")
		return
	}

	if c.relay.authRequired && c.authedKey == "" {
		c.sendOK(event.ID, false, "auth-required: answer the challenge first")
		return
	}

	exists, err := c.relay.eventExists(event.ID)
	if err != nil {
		relayLogger.Error("database error checking event existence: %v", err)
		c.sendOK(event.ID, false, fmt.Sprintf("error: %v", err))
		return
	}

	if exists {
		relayLogger.Debug("event already exists: %s", utils.ShortID(event.ID))
		c.sendOK(event.ID, true, "duplicate: already have this event")
		return
	}

	relayLogger.Info("new event: id=%s kind=%d author=%s",
		utils.ShortID(event.ID), event.Kind, utils.ShortID(event.PubKey))
	if c.relay.verbose {
		relayLogger.Info("content: %s", utils.TruncateString(event.Content, 60))
	}

	if err := validateEvent(&event); err != nil {
		relayLogger.Warn("event validation failed: %v", err)
		c.sendOK(event.ID, false, fmt.Sprintf("invalid: %v", err))
		return
	}

	if err := c.relay.storeEvent(&event); err != nil {
		relayLogger.Error("failed to store event: %v", err)
		c.sendOK(event.ID, false, fmt.Sprintf("error: %v", err))
		return
	}

	c.relay.broadcastEvent(&event)

	c.sendOK(event.ID, true, "stored")
}

// validateEvent validates a Nostr event's required fields, id, and signature
func validateEvent(event *Event) error {
	if event.PubKey == "" {
		return errors.New("missing pubkey")
	}
	if event.CreatedAt == 0 {
		return errors.New("missing created_at")
	}
	if event.Sig == "" {
		return errors.New("missing sig")
	}

	cryptoEvent := &crypto.Event{
		PubKey:    event.PubKey,
		CreatedAt: event.CreatedAt,
		Kind:      event.Kind,
		Tags:      event.Tags,
		Content:   event.Content,
	}

	computedID, err := crypto.ComputeEventID(cryptoEvent)
	if err != nil {
		return fmt.Errorf("failed to compute event ID: %v", err)
	}

	if computedID != event.ID {
		relayLogger.Debug("id mismatch: computed=%s provided=%s",
			utils.ShortID(computedID), utils.ShortID(event.ID))
		return fmt.Errorf("event ID mismatch")
	}

	cryptoEvent.ID = event.ID
	cryptoEvent.Sig = event.Sig
	if err := crypto.VerifySignature(cryptoEvent); err != nil {
		return fmt.Errorf("signature verification failed: %v", err)
	}

	return nil
}

// storeEvent stores an event in the database
func (r *Relay) storeEvent(event *Event) error {
	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		"INSERT OR IGNORE INTO events (id, pubkey, created_at, kind, tags, content, sig) VALUES (?, ?, ?, ?, ?, ?, ?)",
		event.ID, event.PubKey, event.CreatedAt, event.Kind, string(tagsJSON), event.Content, event.Sig,
	)
	return err
}

// eventExists checks if an event with the given ID already exists
func (r *Relay) eventExists(id string) (bool, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// broadcastEvent delivers an event to every client subscription it matches
func (r *Relay) broadcastEvent(event *Event) {
	r.clientsMu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	r.clientsMu.Unlock()

	for _, client := range clients {
		client.subsMu.Lock()
		matches := make([]string, 0, len(client.subscriptions))
		for subID, sub := range client.subscriptions {
			if eventMatchesFilters(event, sub.Filters) {
				matches = append(matches, subID)
			}
		}
		client.subsMu.Unlock()

		for _, subID := range matches {
			client.sendResponse([]interface{}{"EVENT", subID, event})
		}
	}
}
