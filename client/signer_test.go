package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnZolton/ndk/lib/crypto"
)

// fakeSigner couples a fakeRelay with a remote-signer simulator: it answers
// kind-24133 requests addressed to its keypair over the relay wire
type fakeSigner struct {
	t     *testing.T
	relay *fakeRelay
	key   *btcec.PrivateKey
	pub   string

	mu         sync.Mutex
	subID      string
	subAt      time.Time
	firstReqAt time.Time
	connectPms []string
	handle     map[string]func(req signerRequest) []signerResponse
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	fs := &fakeSigner{
		t:      t,
		relay:  newFakeRelay(t),
		key:    key,
		pub:    crypto.GetPublicKey(key),
		handle: make(map[string]func(req signerRequest) []signerResponse),
	}
	fs.handle["connect"] = func(req signerRequest) []signerResponse {
		return []signerResponse{{ID: req.ID, Result: "ack"}}
	}
	fs.relay.onFrame = fs.onFrame
	return fs
}

func (fs *fakeSigner) onFrame(sock *websocket.Conn, parts []json.RawMessage) {
	switch frameVerb(parts) {
	case "REQ":
		fs.mu.Lock()
		json.Unmarshal(parts[1], &fs.subID)
		if fs.subAt.IsZero() {
			fs.subAt = time.Now()
		}
		subID := fs.subID
		fs.mu.Unlock()
		sock.WriteJSON([]interface{}{"EOSE", subID})

	case "EVENT":
		var ev Event
		if err := json.Unmarshal(parts[1], &ev); err != nil {
			return
		}
		fs.mu.Lock()
		if fs.firstReqAt.IsZero() {
			fs.firstReqAt = time.Now()
		}
		subID := fs.subID
		fs.mu.Unlock()

		sock.WriteJSON([]interface{}{"OK", ev.ID, true, ""})

		secret, err := crypto.SharedSecret(fs.key, ev.PubKey)
		if err != nil {
			fs.t.Errorf("shared secret: %v", err)
			return
		}
		plain, err := crypto.Nip04Decrypt(ev.Content, secret)
		if err != nil {
			fs.t.Errorf("decrypt request: %v", err)
			return
		}

		var req signerRequest
		if err := json.Unmarshal([]byte(plain), &req); err != nil {
			fs.t.Errorf("parse request: %v", err)
			return
		}

		fs.mu.Lock()
		if req.Method == "connect" {
			fs.connectPms = req.Params
		}
		handler := fs.handle[req.Method]
		fs.mu.Unlock()
		if handler == nil {
			return
		}

		for _, resp := range handler(req) {
			respJSON, err := json.Marshal(resp)
			if err != nil {
				fs.t.Errorf("marshal response: %v", err)
				return
			}
			cipher, err := crypto.Nip04Encrypt(string(respJSON), secret)
			if err != nil {
				fs.t.Errorf("encrypt response: %v", err)
				return
			}

			rev := NewEvent(KindSignerRequest, cipher, [][]string{{"p", ev.PubKey}})
			if err := rev.SignWith(fs.key); err != nil {
				fs.t.Errorf("sign response: %v", err)
				return
			}
			sock.WriteJSON([]interface{}{"EVENT", subID, rev})
		}
	}
}

// readySession connects a fresh conn + session against the fake signer
func (fs *fakeSigner) readySession(t *testing.T, opts ...SignerSessionOption) (*Conn, *SignerSession) {
	t.Helper()

	conn, err := NewConn(fs.relay.url(), WithReconnect(false))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Disconnect() })

	opts = append(opts, withHandshakeDelay(20*time.Millisecond))
	sess, err := NewSignerSession(conn, fs.pub, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := sess.BlockUntilReady(ctx)
	require.NoError(t, err)
	require.Equal(t, fs.pub, remote)

	return conn, sess
}

func TestSignerTokenParsing(t *testing.T) {
	conn := newIdleConn(t)

	t.Run("npub with otp", func(t *testing.T) {
		sess, err := NewSignerSession(conn, vectorNpub+"#otp42")
		require.NoError(t, err)
		assert.Equal(t, vectorHex, sess.RemotePubkey())
		assert.Equal(t, "otp42", sess.token)
	})

	t.Run("bare npub", func(t *testing.T) {
		sess, err := NewSignerSession(conn, vectorNpub)
		require.NoError(t, err)
		assert.Equal(t, vectorHex, sess.RemotePubkey())
		assert.Empty(t, sess.token)
	})

	t.Run("nip05 identifier resolved lazily", func(t *testing.T) {
		sess, err := NewSignerSession(conn, "alice@example.com")
		require.NoError(t, err)
		assert.Empty(t, sess.RemotePubkey())
		assert.Equal(t, "alice@example.com", sess.identifier)
	})

	t.Run("raw hex", func(t *testing.T) {
		sess, err := NewSignerSession(conn, vectorHex)
		require.NoError(t, err)
		assert.Equal(t, vectorHex, sess.RemotePubkey())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := NewSignerSession(conn, "definitely-not-a-key")
		assert.Error(t, err)
	})

	t.Run("ephemeral keypair generated", func(t *testing.T) {
		a, err := NewSignerSession(conn, vectorHex)
		require.NoError(t, err)
		b, err := NewSignerSession(conn, vectorHex)
		require.NoError(t, err)
		assert.NotEmpty(t, a.LocalPubkey())
		assert.NotEqual(t, a.LocalPubkey(), b.LocalPubkey())
	})
}

func TestSignerHandshake(t *testing.T) {
	fs := newFakeSigner(t)

	conn, err := NewConn(fs.relay.url(), WithReconnect(false))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	npub, err := EncodeNpub(fs.pub)
	require.NoError(t, err)

	sess, err := NewSignerSession(conn, npub+"#otp42")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := sess.BlockUntilReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, fs.pub, remote)

	fs.mu.Lock()
	subAt, firstReqAt := fs.subAt, fs.firstReqAt
	connectPms := append([]string(nil), fs.connectPms...)
	fs.mu.Unlock()

	// The subscription reaches the relay before the first request, with the
	// ordering guard in between
	require.False(t, subAt.IsZero())
	require.False(t, firstReqAt.IsZero())
	assert.True(t, subAt.Before(firstReqAt))
	assert.GreaterOrEqual(t, firstReqAt.Sub(subAt), 90*time.Millisecond)

	// connect carries [localPubkey, otp]
	require.Len(t, connectPms, 2)
	assert.Equal(t, sess.LocalPubkey(), connectPms[0])
	assert.Equal(t, "otp42", connectPms[1])
}

func TestSignerSignRoundTrip(t *testing.T) {
	fs := newFakeSigner(t)
	fs.handle["sign_event"] = func(req signerRequest) []signerResponse {
		var ev Event
		if err := json.Unmarshal([]byte(req.Params[0]), &ev); err != nil {
			return []signerResponse{{ID: req.ID, Error: "bad event"}}
		}
		if err := ev.SignWith(fs.key); err != nil {
			return []signerResponse{{ID: req.ID, Error: err.Error()}}
		}
		signed, _ := json.Marshal(ev)
		return []signerResponse{{ID: req.ID, Result: string(signed)}}
	}

	_, sess := fs.readySession(t)

	event := NewEvent(1, "remotely signed note", nil)
	event.PubKey = fs.pub
	id, err := event.ComputeID()
	require.NoError(t, err)
	event.ID = id

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sig, err := sess.SignEvent(ctx, event)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	// The returned signature verifies over the same event
	event.Sig = sig
	assert.NoError(t, event.Verify())
}

func TestSignerEncryptDecrypt(t *testing.T) {
	fs := newFakeSigner(t)
	fs.handle["nip04_encrypt"] = func(req signerRequest) []signerResponse {
		return []signerResponse{{ID: req.ID, Result: "ciphertext-blob"}}
	}
	fs.handle["nip04_decrypt"] = func(req signerRequest) []signerResponse {
		// The decrypt result is a JSON array whose first element is the
		// plaintext; that shape is part of the wire protocol
		return []signerResponse{{ID: req.ID, Result: `["the plaintext"]`}}
	}

	_, sess := fs.readySession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ciphertext, err := sess.Encrypt(ctx, vectorHex, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ciphertext-blob", ciphertext)

	plaintext, err := sess.Decrypt(ctx, vectorHex, "whatever")
	require.NoError(t, err)
	assert.Equal(t, "the plaintext", plaintext)
}

func TestSignerAuthURLSideChannel(t *testing.T) {
	fs := newFakeSigner(t)
	fs.handle["connect"] = func(req signerRequest) []signerResponse {
		return []signerResponse{
			{ID: req.ID, Result: "auth_url", Error: "https://signer.example/approve"},
			{ID: req.ID, Result: "ack"},
		}
	}

	urls := make(chan string, 1)
	_, _ = fs.readySession(t, WithAuthURLHandler(func(url string) {
		urls <- url
	}))

	select {
	case url := <-urls:
		assert.Equal(t, "https://signer.example/approve", url)
	case <-time.After(2 * time.Second):
		t.Fatal("auth url was not surfaced")
	}
}

func TestSignerRemoteError(t *testing.T) {
	fs := newFakeSigner(t)
	fs.handle["connect"] = func(req signerRequest) []signerResponse {
		return []signerResponse{{ID: req.ID, Error: "denied by user"}}
	}

	conn, err := NewConn(fs.relay.url(), WithReconnect(false))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	sess, err := NewSignerSession(conn, fs.pub, withHandshakeDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sess.BlockUntilReady(ctx)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "denied by user", remoteErr.Message)
}

func TestSignerHandshakeNotAck(t *testing.T) {
	fs := newFakeSigner(t)
	fs.handle["connect"] = func(req signerRequest) []signerResponse {
		return []signerResponse{{ID: req.ID, Result: "pending"}}
	}

	conn, err := NewConn(fs.relay.url(), WithReconnect(false))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	sess, err := NewSignerSession(conn, fs.pub, withHandshakeDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sess.BlockUntilReady(ctx)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSignerRemoteUnknown(t *testing.T) {
	conn := newIdleConn(t)

	sess, err := NewSignerSession(conn, "nobody@example.com",
		WithResolver(func(ctx context.Context, identifier string) (string, error) {
			return "", errors.New("no such name")
		}),
	)
	require.NoError(t, err)

	_, err = sess.BlockUntilReady(context.Background())
	assert.ErrorIs(t, err, ErrRemoteUnknown)
}

func TestSignerLazyResolution(t *testing.T) {
	fs := newFakeSigner(t)

	conn, err := NewConn(fs.relay.url(), WithReconnect(false))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	sess, err := NewSignerSession(conn, "signer@example.com",
		withHandshakeDelay(20*time.Millisecond),
		WithResolver(func(ctx context.Context, identifier string) (string, error) {
			assert.Equal(t, "signer@example.com", identifier)
			return fs.pub, nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := sess.BlockUntilReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, fs.pub, remote)
	assert.Equal(t, fs.pub, sess.RemotePubkey())
}
