package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Subscription represents a client subscription
type Subscription struct {
	ID      string
	Filters []Filter
}

// Filter represents a subscription filter
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// UnmarshalJSON parses a filter object, collecting '#'-prefixed keys into
// the tag predicate map
func (f *Filter) UnmarshalJSON(data []byte) error {
	type plainFilter Filter
	var plain plainFilter
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	*f = Filter(plain)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for key, raw := range obj {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return err
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}

	return nil
}

// handleSubscription processes a REQ message (subscription request)
func (c *Client) handleSubscription(msg []json.RawMessage) {
	if len(msg) < 2 {
		c.sendNotice("invalid REQ message")
		return
	}

	var subID string
	if err := json.Unmarshal(msg[1], &subID); err != nil {
		c.sendNotice("invalid subscription id")
		return
	}

	filters := make([]Filter, 0, len(msg)-2)
	for i := 2; i < len(msg); i++ {
		var filter Filter
		if err := json.Unmarshal(msg[i], &filter); err != nil {
			c.sendClosed(subID, fmt.Sprintf("invalid filter: %v", err))
			return
		}
		filters = append(filters, filter)
	}

	c.subsMu.Lock()
	_, replacing := c.subscriptions[subID]
	if max := c.relay.maxSubscriptions; max > 0 && !replacing && len(c.subscriptions) >= max {
		c.subsMu.Unlock()
		relayLogger.Warn("subscription cap hit by %s", c.conn.RemoteAddr().String())
		c.sendNotice("Too many concurrent subscriptions")
		c.sendClosed(subID, "rate-limited: too many subscriptions")
		return
	}
	c.subscriptions[subID] = &Subscription{
		ID:      subID,
		Filters: filters,
	}
	c.subsMu.Unlock()

	events, err := c.relay.queryEvents(filters)
	if err != nil {
		c.sendNotice(fmt.Sprintf("failed to query events: %v", err))
		return
	}

	for _, event := range events {
		c.sendResponse([]interface{}{"EVENT", subID, event})
	}

	// End of stored events; live matches stream from here on
	c.sendResponse([]interface{}{"EOSE", subID})
}

// handleCount processes a COUNT query and replies with the number of
// stored events matching the filter set, as found by queryEvents (so at
// most 500)
func (c *Client) handleCount(msg []json.RawMessage) {
	if len(msg) < 2 {
		c.sendNotice("invalid COUNT message")
		return
	}

	var reqID string
	if err := json.Unmarshal(msg[1], &reqID); err != nil {
		c.sendNotice("invalid COUNT request id")
		return
	}

	filters := make([]Filter, 0, len(msg)-2)
	for i := 2; i < len(msg); i++ {
		var filter Filter
		if err := json.Unmarshal(msg[i], &filter); err != nil {
			c.sendClosed(reqID, fmt.Sprintf("invalid filter: %v", err))
			return
		}
		filters = append(filters, filter)
	}

	events, err := c.relay.queryEvents(filters)
	if err != nil {
		c.sendNotice(fmt.Sprintf("failed to count events: %v", err))
		return
	}

	c.sendResponse([]interface{}{"COUNT", reqID, map[string]int64{"count": int64(len(events))}})
}

// queryEvents queries the database for events matching the given filters.
// Only the 500 most recent stored events (by created_at) are examined, and
// the filters' limit field is not applied
func (r *Relay) queryEvents(filters []Filter) ([]*Event, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query("SELECT id, pubkey, created_at, kind, tags, content, sig FROM events ORDER BY created_at DESC LIMIT 500")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var tagsJSON string
		if err := rows.Scan(&event.ID, &event.PubKey, &event.CreatedAt, &event.Kind, &tagsJSON, &event.Content, &event.Sig); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(tagsJSON), &event.Tags); err != nil {
			return nil, err
		}

		if eventMatchesFilters(&event, filters) {
			ev := event
			events = append(events, &ev)
		}
	}

	return events, rows.Err()
}

// eventMatchesFilters checks if an event matches any of the filters
func eventMatchesFilters(event *Event, filters []Filter) bool {
	for _, filter := range filters {
		if eventMatchesFilter(event, filter) {
			return true
		}
	}
	return false
}

// eventMatchesFilter checks if an event matches a single filter
func eventMatchesFilter(event *Event, filter Filter) bool {
	if len(filter.IDs) > 0 && !containsString(filter.IDs, event.ID) {
		return false
	}

	if len(filter.Authors) > 0 && !containsString(filter.Authors, event.PubKey) {
		return false
	}

	if len(filter.Kinds) > 0 {
		found := false
		for _, kind := range filter.Kinds {
			if kind == event.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Since != nil && event.CreatedAt < *filter.Since {
		return false
	}

	if filter.Until != nil && event.CreatedAt > *filter.Until {
		return false
	}

	for tagName, tagValues := range filter.Tags {
		if len(tagValues) == 0 {
			continue
		}

		found := false
		for _, tag := range event.Tags {
			if len(tag) >= 2 && tag[0] == tagName && containsString(tagValues, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
