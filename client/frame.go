package client

import (
	"encoding/json"
	"fmt"
)

// Relay wire verbs. Messages are JSON arrays whose first element is the verb
const (
	verbReq    = "REQ"
	verbClose  = "CLOSE"
	verbEvent  = "EVENT"
	verbCount  = "COUNT"
	verbAuth   = "AUTH"
	verbEose   = "EOSE"
	verbClosed = "CLOSED"
	verbOK     = "OK"
	verbNotice = "NOTICE"
)

// frame is the decoded logical form of a wire message
type frame struct {
	Verb      string
	SubID     string   // REQ, CLOSE, EOSE, CLOSED, COUNT, EVENT delivery
	Filters   []Filter // REQ, COUNT query
	Event     *Event   // EVENT, outbound AUTH response
	EventID   string   // OK
	Accepted  bool     // OK
	Reason    string   // OK, CLOSED
	Text      string   // NOTICE
	Challenge string   // inbound AUTH
	Count     *int64   // COUNT reply
}

type countPayload struct {
	Count int64 `json:"count"`
}

// encodeReq encodes ["REQ", <sub-id>, <filter>, ...]
func encodeReq(subID string, filters []Filter) ([]byte, error) {
	parts := []interface{}{verbReq, subID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	return json.Marshal(parts)
}

// encodeClose encodes ["CLOSE", <sub-id>]
func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{verbClose, subID})
}

// encodeEvent encodes the publish form ["EVENT", <event>]
func encodeEvent(event *Event) ([]byte, error) {
	return json.Marshal([]interface{}{verbEvent, event})
}

// encodeCount encodes ["COUNT", <req-id>, <filter>, ...]
func encodeCount(reqID string, filters []Filter) ([]byte, error) {
	parts := []interface{}{verbCount, reqID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	return json.Marshal(parts)
}

// encodeAuth encodes the challenge response ["AUTH", <signed-event>]
func encodeAuth(event *Event) ([]byte, error) {
	return json.Marshal([]interface{}{verbAuth, event})
}

// parseFrame decodes a wire message into its logical form. It fails with
// ErrMalformedFrame on non-array input, an empty array, an unknown verb, or
// an arity that makes the verb meaningless
func parseFrame(data []byte) (*frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", ErrMalformedFrame)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}

	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return nil, fmt.Errorf("%w: verb is not a string", ErrMalformedFrame)
	}

	f := &frame{Verb: verb}
	switch verb {
	case verbEvent:
		// ["EVENT", <event>] publish or ["EVENT", <sub-id>, <event>] delivery
		switch len(parts) {
		case 2:
			if err := json.Unmarshal(parts[1], &f.Event); err != nil {
				return nil, fmt.Errorf("%w: bad event payload", ErrMalformedFrame)
			}
		case 3:
			if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
				return nil, fmt.Errorf("%w: bad subscription id", ErrMalformedFrame)
			}
			if err := json.Unmarshal(parts[2], &f.Event); err != nil {
				return nil, fmt.Errorf("%w: bad event payload", ErrMalformedFrame)
			}
		default:
			return nil, fmt.Errorf("%w: EVENT arity %d", ErrMalformedFrame, len(parts))
		}

	case verbReq, verbCount:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformedFrame, verb)
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("%w: bad %s id", ErrMalformedFrame, verb)
		}
		// A COUNT with a {"count": n} payload is the relay's reply; anything
		// else in the tail is a filter set
		if verb == verbCount && len(parts) == 3 {
			var payload countPayload
			if err := json.Unmarshal(parts[2], &payload); err == nil {
				var probe map[string]json.RawMessage
				if json.Unmarshal(parts[2], &probe) == nil {
					if _, ok := probe["count"]; ok {
						f.Count = &payload.Count
						return f, nil
					}
				}
			}
		}
		for i := 2; i < len(parts); i++ {
			var filter Filter
			if err := json.Unmarshal(parts[i], &filter); err != nil {
				return nil, fmt.Errorf("%w: bad filter", ErrMalformedFrame)
			}
			f.Filters = append(f.Filters, filter)
		}

	case verbClose, verbEose:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformedFrame, verb)
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("%w: bad subscription id", ErrMalformedFrame)
		}

	case verbClosed:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: CLOSED without id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("%w: bad subscription id", ErrMalformedFrame)
		}
		if len(parts) >= 3 {
			json.Unmarshal(parts[2], &f.Reason)
		}

	case verbOK:
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: OK arity %d", ErrMalformedFrame, len(parts))
		}
		if err := json.Unmarshal(parts[1], &f.EventID); err != nil {
			return nil, fmt.Errorf("%w: bad event id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.Accepted); err != nil {
			return nil, fmt.Errorf("%w: bad OK flag", ErrMalformedFrame)
		}
		if len(parts) >= 4 {
			json.Unmarshal(parts[3], &f.Reason)
		}

	case verbNotice:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: NOTICE without text", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[1], &f.Text); err != nil {
			return nil, fmt.Errorf("%w: bad notice text", ErrMalformedFrame)
		}

	case verbAuth:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: AUTH without payload", ErrMalformedFrame)
		}
		// ["AUTH", <challenge-string>] from the relay, or
		// ["AUTH", <signed-event>] going the other way
		if err := json.Unmarshal(parts[1], &f.Challenge); err != nil {
			if err := json.Unmarshal(parts[1], &f.Event); err != nil {
				return nil, fmt.Errorf("%w: bad AUTH payload", ErrMalformedFrame)
			}
		}

	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedFrame, verb)
	}

	return f, nil
}
