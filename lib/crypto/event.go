package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event represents the structure of a Nostr event for cryptographic operations
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ComputeEventID computes the ID of an event according to the Nostr protocol
func ComputeEventID(event *Event) (string, error) {
	serialized, err := serializeEvent(event)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// serializeEvent outputs the byte array that is hashed to produce the event ID:
// [0, <pubkey>, <created_at>, <kind>, <tags>, <content>]
func serializeEvent(evt *Event) ([]byte, error) {
	eventArray := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		evt.Tags,
		evt.Content,
	}

	return json.Marshal(eventArray)
}

// SignEvent signs an event ID with the given private key and returns the
// hex-encoded schnorr signature
func SignEvent(event *Event, privateKey *btcec.PrivateKey) (string, error) {
	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return "", err
	}

	sig, err := schnorr.Sign(privateKey, idBytes)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignature verifies the schnorr signature of an event against its ID
func VerifySignature(event *Event) error {
	pubKeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return fmt.Errorf("invalid public key format: %v", err)
	}

	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature format: %v", err)
	}

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return fmt.Errorf("invalid ID format: %v", err)
	}

	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %v", err)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %v", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return errors.New("signature verification failed")
	}

	return nil
}

// GeneratePrivateKey generates a new random private key
func GeneratePrivateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// GetPublicKey returns the hex-encoded x-only public key for a private key
func GetPublicKey(privateKey *btcec.PrivateKey) string {
	return hex.EncodeToString(privateKey.PubKey().SerializeCompressed()[1:])
}

// ParseXOnlyPubKey parses a 32-byte x-only public key from its hex form.
// The even y-coordinate is assumed first, matching BIP-340 lift_x
func ParseXOnlyPubKey(pubkeyHex string) (*btcec.PublicKey, error) {
	pubKeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %v", err)
	}
	if len(pubKeyBytes) != 32 {
		return nil, errors.New("public key must be 32 bytes")
	}

	pubKeyWithPrefix := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(pubKeyWithPrefix)
	if err != nil {
		pubKeyWithPrefix[0] = 0x03
		pubKey, err = btcec.ParsePubKey(pubKeyWithPrefix)
		if err != nil {
			return nil, errors.New("invalid public key")
		}
	}

	return pubKey, nil
}
