package client

import (
	"encoding/json"
	"strings"
)

// Filter is a conjunction of predicates over event fields. All set
// predicates must hold for an event to match
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Tags maps tag names (without the '#' prefix) to accepted values
	Tags  map[string][]string
	Since *int64
	Until *int64
	Limit int
}

// MarshalJSON renders the filter in the relay wire shape, with tag
// predicates under their '#'-prefixed keys
func (f Filter) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{})

	if len(f.IDs) > 0 {
		obj["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			obj["#"+name] = values
		}
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}

	return json.Marshal(obj)
}

// UnmarshalJSON parses the relay wire shape back into a Filter
func (f *Filter) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*f = Filter{}
	for key, raw := range obj {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(raw, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(raw, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(raw, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(raw, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(raw, f.Until)
		case key == "limit":
			err = json.Unmarshal(raw, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = json.Unmarshal(raw, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Matches reports whether the event satisfies every predicate of the filter
func (f Filter) Matches(event *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, event.ID) {
		return false
	}

	if len(f.Authors) > 0 && !containsString(f.Authors, event.PubKey) {
		return false
	}

	if len(f.Kinds) > 0 {
		found := false
		for _, kind := range f.Kinds {
			if kind == event.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.Since != nil && event.CreatedAt < *f.Since {
		return false
	}

	if f.Until != nil && event.CreatedAt > *f.Until {
		return false
	}

	for tagName, tagValues := range f.Tags {
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

// matchesAll reports whether the event satisfies every filter in the set.
// Subscription delivery is a conjunction over the handle's filters, each
// matched independently
func matchesAll(filters []Filter, event *Event) bool {
	if len(filters) == 0 {
		return false
	}
	for _, f := range filters {
		if !f.Matches(event) {
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
