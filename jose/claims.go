package jose

import (
	"encoding/json"
	"time"
)

// Claims is a decoded JWT claim set.
type Claims map[string]any

func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

func (c Claims) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Audience returns aud whether it was encoded as a string or an array.
func (c Claims) Audience() []string {
	switch v := c["aud"].(type) {
	case string:
		return []string{v}
	case []any:
		aud := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				aud = append(aud, s)
			}
		}
		return aud
	case []string:
		return v
	}
	return nil
}

func (c Claims) HasAudience(aud string) bool {
	for _, a := range c.Audience() {
		if a == aud {
			return true
		}
	}
	return false
}

// Time reads a NumericDate claim.
func (c Claims) Time(name string) (time.Time, bool) {
	switch v := c[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// Decode re-marshals the claim set into v.
func (c Claims) Decode(v any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
