package client

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference vector from the NIP-19 specification
const (
	vectorNpub = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
	vectorHex  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
)

func TestDecodeNpubVector(t *testing.T) {
	got, err := DecodeNpub(vectorNpub)
	require.NoError(t, err)
	assert.Equal(t, vectorHex, got)
}

func TestEncodeNpubVector(t *testing.T) {
	got, err := EncodeNpub(vectorHex)
	require.NoError(t, err)
	assert.Equal(t, vectorNpub, got)
}

func TestNpubRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		raw := make([]byte, 32)
		_, err := rand.Read(raw)
		require.NoError(t, err)
		pubkeyHex := hex.EncodeToString(raw)

		npub, err := EncodeNpub(pubkeyHex)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(npub, "npub1"))

		decoded, err := DecodeNpub(npub)
		require.NoError(t, err)
		assert.Equal(t, pubkeyHex, decoded)
	}
}

func TestDecodeNpubPassesThroughHex(t *testing.T) {
	got, err := DecodeNpub(vectorHex)
	require.NoError(t, err)
	assert.Equal(t, vectorHex, got)
}

func TestDecodeNpubErrors(t *testing.T) {
	cases := map[string]struct {
		input string
		want  error
	}{
		"wrong prefix":  {"nsec1abcdefgh", ErrUnsupportedPrefix},
		"empty":         {"", ErrUnsupportedPrefix},
		"bad checksum":  {vectorNpub[:len(vectorNpub)-1] + "x", ErrInvalidChecksum},
		"bad character": {"npub1" + strings.Repeat("b", 58), ErrInvalidCharacter},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNpub(tc.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeBech32MixedCaseRejected(t *testing.T) {
	mixed := "Npub" + vectorNpub[4:]
	_, _, err := DecodeBech32(mixed)
	assert.ErrorIs(t, err, ErrInvalidCharacter)
}

func TestEncodeBech32RejectsOversize(t *testing.T) {
	_, err := EncodeBech32("npub", make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidLength)
}
