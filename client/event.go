package client

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/JohnZolton/ndk/lib/crypto"
)

// Well-known event kinds used by the connectivity core
const (
	// KindClientAuth is the NIP-42 authentication response event kind
	KindClientAuth = 22242
	// KindSignerRequest is the NIP-46 remote-signing transport kind
	KindSignerRequest = 24133
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

// NewEvent creates an unsigned event stamped with the current time
func NewEvent(kind int, content string, tags [][]string) *Event {
	if tags == nil {
		tags = [][]string{}
	}
	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

func (e *Event) toCrypto() *crypto.Event {
	return &crypto.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// ComputeID computes the event ID over the current field values
func (e *Event) ComputeID() (string, error) {
	return crypto.ComputeEventID(e.toCrypto())
}

// SignWith fills in PubKey, ID, and Sig using the given private key
func (e *Event) SignWith(privateKey *btcec.PrivateKey) error {
	e.PubKey = crypto.GetPublicKey(privateKey)

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	sig, err := crypto.SignEvent(e.toCrypto(), privateKey)
	if err != nil {
		return err
	}
	e.Sig = sig
	return nil
}

// Verify checks the event ID and schnorr signature
func (e *Event) Verify() error {
	return crypto.VerifySignature(e.toCrypto())
}

// TagValue returns the value of the first tag with the given name, or ""
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
