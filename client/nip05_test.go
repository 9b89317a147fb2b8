package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/nostr.json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"names":{"bob":"` + vectorHex + `","_":"00"}}`))
	}))
	defer srv.Close()

	pubkey, err := fetchWellKnown(context.Background(), srv.URL, "bob")
	require.NoError(t, err)
	assert.Equal(t, vectorHex, pubkey)

	_, err = fetchWellKnown(context.Background(), srv.URL, "alice")
	assert.Error(t, err)
}

func TestFetchWellKnownHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fetchWellKnown(context.Background(), srv.URL, "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchWellKnownBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	_, err := fetchWellKnown(context.Background(), srv.URL, "bob")
	assert.Error(t, err)
}

func TestResolveNip05RejectsBadIdentifier(t *testing.T) {
	for _, identifier := range []string{"", "nodomain", "name@"} {
		_, err := ResolveNip05(context.Background(), identifier)
		assert.Error(t, err, "identifier %q", identifier)
	}
}
