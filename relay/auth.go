package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/JohnZolton/ndk/lib/utils"
)

// kindClientAuth is the NIP-42 authentication event kind
const kindClientAuth = 22242

// sendChallenge issues a fresh AUTH challenge to the client
func (c *Client) sendChallenge() {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		relayLogger.Error("failed to generate auth challenge: %v", err)
		return
	}
	c.challenge = hex.EncodeToString(buf)

	c.sendResponse([]interface{}{"AUTH", c.challenge})
	relayLogger.Debug("sent auth challenge to %s", c.conn.RemoteAddr().String())
}

// handleAuthResponse processes an ["AUTH", <signed-event>] answer to the
// challenge
func (c *Client) handleAuthResponse(msg []json.RawMessage) {
	if len(msg) < 2 {
		c.sendNotice("invalid AUTH message")
		return
	}

	var event Event
	if err := json.Unmarshal(msg[1], &event); err != nil {
		c.sendNotice("invalid auth event format")
		return
	}

	if c.challenge == "" {
		c.sendOK(event.ID, false, "invalid: no challenge outstanding")
		return
	}

	if err := verifyAuthEvent(&event, "", c.challenge); err != nil {
		c.sendOK(event.ID, false, "invalid: "+err.Error())
		return
	}

	c.authedKey = event.PubKey
	relayLogger.Info("client %s authenticated as %s",
		c.conn.RemoteAddr().String(), utils.ShortID(event.PubKey))
	c.sendOK(event.ID, true, "")
}

// tagValue returns the value of the first tag with the given name, or ""
func tagValue(event *Event, name string) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// verifyAuthEvent checks an auth event offline: kind, challenge tag, and
// the full id/signature validation
func verifyAuthEvent(event *Event, relayURL, challenge string) error {
	if event.Kind != kindClientAuth {
		return errValidation("wrong auth event kind")
	}
	if tagValue(event, "challenge") != challenge {
		return errValidation("challenge mismatch")
	}
	if relayURL != "" && tagValue(event, "relay") == "" {
		return errValidation("missing relay tag")
	}
	return validateEvent(event)
}

type errValidation string

func (e errValidation) Error() string {
	return string(e)
}
