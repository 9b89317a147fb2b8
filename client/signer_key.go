package client

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/JohnZolton/ndk/lib/crypto"
)

// Signer signs events and encrypts/decrypts payloads on behalf of a local
// identity. The connectivity core uses it for AUTH responses; the signer
// session uses it to protect its transport payloads
type Signer interface {
	// PublicKey returns the hex-encoded x-only public key
	PublicKey() string
	// Sign fills in PubKey, ID, and Sig on the event
	Sign(ev *Event) error
	// Encrypt encrypts plaintext to the recipient's public key
	Encrypt(recipientPubkey, plaintext string) (string, error)
	// Decrypt decrypts a payload from the sender's public key
	Decrypt(senderPubkey, ciphertext string) (string, error)
}

// EncryptionScheme selects the payload encryption used by a PrivateKeySigner
type EncryptionScheme int

const (
	// SchemeNip04 is AES-256-CBC over the ECDH shared secret. It remains the
	// wire scheme of the remote-signing transport
	SchemeNip04 EncryptionScheme = iota
	// SchemeNip44 is the ChaCha20+HMAC successor scheme
	SchemeNip44
)

// PrivateKeySigner is a Signer backed by an in-memory secp256k1 private key
type PrivateKeySigner struct {
	privateKey *btcec.PrivateKey
	publicKey  string
	scheme     EncryptionScheme
}

// NewPrivateKeySigner wraps an existing private key
func NewPrivateKeySigner(privateKey *btcec.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		publicKey:  crypto.GetPublicKey(privateKey),
	}
}

// GenerateSigner creates a signer with a fresh random keypair
func GenerateSigner() (*PrivateKeySigner, error) {
	privateKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(privateKey), nil
}

// WithScheme switches the payload encryption scheme
func (s *PrivateKeySigner) WithScheme(scheme EncryptionScheme) *PrivateKeySigner {
	s.scheme = scheme
	return s
}

// PublicKey returns the hex-encoded x-only public key
func (s *PrivateKeySigner) PublicKey() string {
	return s.publicKey
}

// Sign fills in PubKey, ID, and Sig on the event
func (s *PrivateKeySigner) Sign(ev *Event) error {
	return ev.SignWith(s.privateKey)
}

// Encrypt encrypts plaintext to the recipient under the configured scheme
func (s *PrivateKeySigner) Encrypt(recipientPubkey, plaintext string) (string, error) {
	if s.scheme == SchemeNip44 {
		key, err := crypto.ConversationKey(s.privateKey, recipientPubkey)
		if err != nil {
			return "", err
		}
		return crypto.Nip44Encrypt(plaintext, key)
	}

	secret, err := crypto.SharedSecret(s.privateKey, recipientPubkey)
	if err != nil {
		return "", err
	}
	return crypto.Nip04Encrypt(plaintext, secret)
}

// Decrypt decrypts a payload from the sender under the configured scheme
func (s *PrivateKeySigner) Decrypt(senderPubkey, ciphertext string) (string, error) {
	if s.scheme == SchemeNip44 {
		key, err := crypto.ConversationKey(s.privateKey, senderPubkey)
		if err != nil {
			return "", err
		}
		return crypto.Nip44Decrypt(ciphertext, key)
	}

	secret, err := crypto.SharedSecret(s.privateKey, senderPubkey)
	if err != nil {
		return "", err
	}
	return crypto.Nip04Decrypt(ciphertext, secret)
}
