package relay

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnZolton/ndk/lib/crypto"
)

func signedTestEvent(t *testing.T, kind int, content string, tags [][]string) *Event {
	t.Helper()

	privateKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	if tags == nil {
		tags = [][]string{}
	}
	cryptoEvent := &crypto.Event{
		PubKey:    crypto.GetPublicKey(privateKey),
		CreatedAt: 1617932400,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	id, err := crypto.ComputeEventID(cryptoEvent)
	require.NoError(t, err)
	cryptoEvent.ID = id
	sig, err := crypto.SignEvent(cryptoEvent, privateKey)
	require.NoError(t, err)

	return &Event{
		ID:        cryptoEvent.ID,
		PubKey:    cryptoEvent.PubKey,
		CreatedAt: cryptoEvent.CreatedAt,
		Kind:      cryptoEvent.Kind,
		Tags:      cryptoEvent.Tags,
		Content:   cryptoEvent.Content,
		Sig:       sig,
	}
}

func TestValidateEvent(t *testing.T) {
	event := signedTestEvent(t, 1, "Hello, world!", [][]string{{"e", "123456789abcdef"}})
	require.NoError(t, validateEvent(event))

	cases := []struct {
		name   string
		modify func(*Event)
	}{
		{"missing pubkey", func(e *Event) { e.PubKey = "" }},
		{"missing created_at", func(e *Event) { e.CreatedAt = 0 }},
		{"missing sig", func(e *Event) { e.Sig = "" }},
		{"wrong id", func(e *Event) { e.ID = "invalid_id" }},
		{"modified content", func(e *Event) { e.Content = "tampered" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := *event
			tc.modify(&bad)
			assert.Error(t, validateEvent(&bad))
		})
	}
}

func TestStoreAndQueryEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay_test.db")
	relay, err := NewRelay(dbPath)
	require.NoError(t, err)
	defer relay.Close()

	noteEvent := signedTestEvent(t, 1, "a note", nil)
	metaEvent := signedTestEvent(t, 0, `{"name":"tester"}`, nil)
	require.NoError(t, relay.storeEvent(noteEvent))
	require.NoError(t, relay.storeEvent(metaEvent))

	exists, err := relay.eventExists(noteEvent.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = relay.eventExists("0000")
	require.NoError(t, err)
	assert.False(t, exists)

	events, err := relay.queryEvents([]Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, noteEvent.ID, events[0].ID)

	events, err = relay.queryEvents([]Filter{{Kinds: []int{0}}, {Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Storing the same event twice is a no-op
	require.NoError(t, relay.storeEvent(noteEvent))
	events, err = relay.queryEvents([]Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFilterUnmarshalTagKeys(t *testing.T) {
	var filter Filter
	raw := `{"kinds":[24133],"#p":["deadbeef"],"since":1700000000,"limit":5}`
	require.NoError(t, json.Unmarshal([]byte(raw), &filter))

	assert.Equal(t, []int{24133}, filter.Kinds)
	require.NotNil(t, filter.Since)
	assert.Equal(t, int64(1700000000), *filter.Since)
	assert.Equal(t, 5, filter.Limit)
	require.Contains(t, filter.Tags, "p")
	assert.Equal(t, []string{"deadbeef"}, filter.Tags["p"])
}

func TestEventMatchesFilter(t *testing.T) {
	event := &Event{
		ID:        "e1",
		PubKey:    "a1",
		CreatedAt: 1000,
		Kind:      7,
		Tags:      [][]string{{"p", "target"}},
	}

	since2000 := int64(2000)

	assert.True(t, eventMatchesFilter(event, Filter{Kinds: []int{7}}))
	assert.True(t, eventMatchesFilter(event, Filter{Tags: map[string][]string{"p": {"target"}}}))
	assert.False(t, eventMatchesFilter(event, Filter{Kinds: []int{1}}))
	assert.False(t, eventMatchesFilter(event, Filter{Since: &since2000}))
	assert.False(t, eventMatchesFilter(event, Filter{Tags: map[string][]string{"p": {"other"}}}))

	// An event matches a filter set if any single filter accepts it
	assert.True(t, eventMatchesFilters(event, []Filter{{Kinds: []int{1}}, {Kinds: []int{7}}}))
	assert.False(t, eventMatchesFilters(event, nil))
}

func TestVerifyAuthEvent(t *testing.T) {
	privateKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	build := func(challenge string) *Event {
		cryptoEvent := &crypto.Event{
			PubKey:    crypto.GetPublicKey(privateKey),
			CreatedAt: 1617932400,
			Kind:      kindClientAuth,
			Tags: [][]string{
				{"relay", "wss://relay.example/ws"},
				{"challenge", challenge},
			},
			Content: "",
		}
		id, err := crypto.ComputeEventID(cryptoEvent)
		require.NoError(t, err)
		cryptoEvent.ID = id
		sig, err := crypto.SignEvent(cryptoEvent, privateKey)
		require.NoError(t, err)
		return &Event{
			ID:        cryptoEvent.ID,
			PubKey:    cryptoEvent.PubKey,
			CreatedAt: cryptoEvent.CreatedAt,
			Kind:      cryptoEvent.Kind,
			Tags:      cryptoEvent.Tags,
			Content:   cryptoEvent.Content,
			Sig:       sig,
		}
	}

	good := build("nonce-1")
	assert.NoError(t, verifyAuthEvent(good, "wss://relay.example/ws", "nonce-1"))

	assert.Error(t, verifyAuthEvent(good, "wss://relay.example/ws", "other-nonce"))

	wrongKind := *good
	wrongKind.Kind = 1
	assert.Error(t, verifyAuthEvent(&wrongKind, "wss://relay.example/ws", "nonce-1"))

	tampered := *good
	tampered.Content = "tampered"
	assert.Error(t, verifyAuthEvent(&tampered, "wss://relay.example/ws", "nonce-1"))
}
