package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JohnZolton/ndk/lib/utils"
)

// signerHandshakeDelay is the gap between firing the session subscription
// and sending the first request. The subscription must reach the relay
// first or responses can race ahead of our readiness to receive
const signerHandshakeDelay = 100 * time.Millisecond

// signerRequest is the encrypted request payload of the remote-signing
// transport
type signerRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// signerResponse is the encrypted response payload
type signerResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// SignerSession drives a request/response dialog with a remote signing
// agent over a single relay connection, using encrypted kind-24133 events
type SignerSession struct {
	conn     *Conn
	log      *utils.Logger
	signer   Signer
	resolver IdentifierResolver

	onAuthURL func(url string)

	remotePubkey string
	token        string
	identifier   string

	handshakeDelay time.Duration

	mu      sync.Mutex
	pending map[string]chan signerResponse
	sub     *Subscription
	ready   bool
}

// SignerSessionOption configures a SignerSession
type SignerSessionOption func(*SignerSession)

// WithLocalSigner supplies the local keypair used to encrypt the transport.
// Without it a fresh ephemeral keypair is generated
func WithLocalSigner(signer Signer) SignerSessionOption {
	return func(s *SignerSession) {
		s.signer = signer
	}
}

// WithResolver replaces the identifier-lookup collaborator
func WithResolver(resolver IdentifierResolver) SignerSessionOption {
	return func(s *SignerSession) {
		s.resolver = resolver
	}
}

// WithAuthURLHandler surfaces approval URLs sent by the remote signer
func WithAuthURLHandler(handler func(url string)) SignerSessionOption {
	return func(s *SignerSession) {
		s.onAuthURL = handler
	}
}

// withHandshakeDelay overrides the subscription ordering guard
func withHandshakeDelay(d time.Duration) SignerSessionOption {
	return func(s *SignerSession) {
		s.handshakeDelay = d
	}
}

// NewSignerSession constructs a session from a token string. Accepted forms:
// "<npub>#<otp>", "<npub>", a NIP-05 identifier (anything with a dot,
// resolved lazily during the handshake), or a raw 32-byte hex pubkey
func NewSignerSession(conn *Conn, token string, opts ...SignerSessionOption) (*SignerSession, error) {
	s := &SignerSession{
		conn:           conn,
		log:            utils.NewLogger("signer"),
		resolver:       ResolveNip05,
		handshakeDelay: signerHandshakeDelay,
		pending:        make(map[string]chan signerResponse),
	}

	switch {
	case strings.Contains(token, "#"):
		parts := strings.SplitN(token, "#", 2)
		pubkey, err := DecodeNpub(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid signer token: %w", err)
		}
		s.remotePubkey = pubkey
		s.token = parts[1]

	case strings.HasPrefix(token, "npub"):
		pubkey, err := DecodeNpub(token)
		if err != nil {
			return nil, fmt.Errorf("invalid signer token: %w", err)
		}
		s.remotePubkey = pubkey

	case strings.Contains(token, "."):
		s.identifier = token

	default:
		if len(token) != 64 {
			return nil, fmt.Errorf("invalid signer token: expected npub, identifier, or hex pubkey")
		}
		if _, err := hex.DecodeString(token); err != nil {
			return nil, fmt.Errorf("invalid signer token: %v", err)
		}
		s.remotePubkey = token
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.signer == nil {
		signer, err := GenerateSigner()
		if err != nil {
			return nil, err
		}
		s.signer = signer
	}

	return s, nil
}

// LocalPubkey returns the session's local transport pubkey
func (s *SignerSession) LocalPubkey() string {
	return s.signer.PublicKey()
}

// RemotePubkey returns the remote signer's pubkey, or "" before resolution
func (s *SignerSession) RemotePubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePubkey
}

// BlockUntilReady performs the handshake: resolve the remote identity, open
// the session subscription, and exchange the connect request. It returns
// the remote signer's pubkey
func (s *SignerSession) BlockUntilReady(ctx context.Context) (string, error) {
	localPub := s.signer.PublicKey()

	s.mu.Lock()
	remote := s.remotePubkey
	identifier := s.identifier
	alreadyReady := s.ready
	s.mu.Unlock()
	if alreadyReady {
		return remote, nil
	}

	if remote == "" {
		if identifier == "" {
			return "", ErrRemoteUnknown
		}
		pubkey, err := s.resolver(ctx, identifier)
		if err != nil || pubkey == "" {
			return "", fmt.Errorf("%w: %q did not resolve", ErrRemoteUnknown, identifier)
		}
		s.mu.Lock()
		s.remotePubkey = pubkey
		remote = pubkey
		s.mu.Unlock()
		s.log.Debug("resolved %s to %s", identifier, utils.ShortID(pubkey))
	}

	// The one long-lived subscription of the session. Its teardown rejects
	// every request still pending
	sub, err := s.conn.Subscribe([]Filter{{
		Kinds: []int{KindSignerRequest},
		Tags:  map[string][]string{"p": {localPub}},
	}}, SubscriptionParams{
		OnEvent: s.handleEvent,
		OnClosed: func(reason string) {
			s.failPending()
		},
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	// Ordering guard: let the REQ land before the first request
	select {
	case <-time.After(s.handshakeDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	params := []string{localPub}
	if s.token != "" {
		params = append(params, s.token)
	}

	resp, err := s.request(ctx, "connect", params)
	if err != nil {
		return "", err
	}
	if resp.Result != "ack" {
		return "", fmt.Errorf("%w: got %q", ErrHandshakeFailed, resp.Result)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("remote signer %s ready", utils.ShortID(remote))

	return remote, nil
}

// request sends one encrypted request event and waits for its response
func (s *SignerSession) request(ctx context.Context, method string, params []string) (signerResponse, error) {
	s.mu.Lock()
	remote := s.remotePubkey
	s.mu.Unlock()
	if remote == "" {
		return signerResponse{}, ErrRemoteUnknown
	}

	id := uuid.NewString()
	payload, err := json.Marshal(signerRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return signerResponse{}, err
	}

	ciphertext, err := s.signer.Encrypt(remote, string(payload))
	if err != nil {
		return signerResponse{}, fmt.Errorf("failed to encrypt request: %v", err)
	}

	ev := NewEvent(KindSignerRequest, ciphertext, [][]string{{"p", remote}})
	if err := s.signer.Sign(ev); err != nil {
		return signerResponse{}, fmt.Errorf("failed to sign request: %v", err)
	}

	ch := make(chan signerResponse, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	data, err := encodeEvent(ev)
	if err != nil {
		return signerResponse{}, err
	}
	if err := s.conn.send(data); err != nil {
		return signerResponse{}, err
	}
	s.log.Debug("sent %s request %s", method, utils.ShortID(id))

	select {
	case <-ctx.Done():
		return signerResponse{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return signerResponse{}, ErrConnectionClosed
		}
		if resp.Error != "" {
			return signerResponse{}, &RemoteError{Message: resp.Error}
		}
		return resp, nil
	}
}

// handleEvent runs on the connection's read loop for every event delivered
// to the session subscription
func (s *SignerSession) handleEvent(ev *Event) {
	if ev.Kind != KindSignerRequest {
		return
	}

	s.mu.Lock()
	remote := s.remotePubkey
	s.mu.Unlock()
	if remote != "" && ev.PubKey != remote {
		s.log.Debug("ignoring event from %s: not the remote signer", utils.ShortID(ev.PubKey))
		return
	}

	plaintext, err := s.signer.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		s.log.Warn("failed to decrypt signer response: %v", err)
		return
	}

	var resp signerResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		s.log.Warn("failed to parse signer response: %v", err)
		return
	}

	// The remote asks the user to approve out of band; the URL rides in the
	// error field and the pending request keeps waiting for the real answer
	if resp.Result == "auth_url" {
		s.log.Info("remote signer requires approval at %s", resp.Error)
		if s.onAuthURL != nil {
			s.onAuthURL(resp.Error)
		}
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("response for unknown request %s", utils.ShortID(resp.ID))
		return
	}
	ch <- resp
}

// failPending rejects every in-flight request with ErrConnectionClosed
func (s *SignerSession) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan signerResponse)
	s.ready = false
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Encrypt asks the remote signer to NIP-04-encrypt plaintext for a recipient
func (s *SignerSession) Encrypt(ctx context.Context, recipientPubkey, plaintext string) (string, error) {
	resp, err := s.request(ctx, "nip04_encrypt", []string{recipientPubkey, plaintext})
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Decrypt asks the remote signer to NIP-04-decrypt a payload from a sender.
// The remote returns a JSON-encoded array whose first element is the
// plaintext; that shape is part of the wire protocol
func (s *SignerSession) Decrypt(ctx context.Context, senderPubkey, ciphertext string) (string, error) {
	resp, err := s.request(ctx, "nip04_decrypt", []string{senderPubkey, ciphertext})
	if err != nil {
		return "", err
	}

	var values []string
	if err := json.Unmarshal([]byte(resp.Result), &values); err != nil || len(values) == 0 {
		return "", fmt.Errorf("unexpected decrypt result shape: %q", resp.Result)
	}
	return values[0], nil
}

// SignEvent asks the remote signer to sign the event and returns the
// signature
func (s *SignerSession) SignEvent(ctx context.Context, ev *Event) (string, error) {
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	resp, err := s.request(ctx, "sign_event", []string{string(evJSON)})
	if err != nil {
		return "", err
	}

	var signed Event
	if err := json.Unmarshal([]byte(resp.Result), &signed); err != nil {
		return "", fmt.Errorf("unexpected sign result shape: %v", err)
	}
	if signed.Sig == "" {
		return "", fmt.Errorf("remote signer returned no signature")
	}
	return signed.Sig, nil
}

// Close ends the session subscription and rejects in-flight requests
func (s *SignerSession) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.failPending()
	if sub != nil {
		return sub.Close()
	}
	return nil
}
