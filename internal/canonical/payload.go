package canonical

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawPayload keeps provider fields that have no first-class column.
// Merging overwrites per top-level key; nested values are replaced whole.
type RawPayload map[string]any

// Merge returns a new payload with incoming keys laid over p.
// A nil incoming value removes nothing; keys absent from incoming are kept.
func (p RawPayload) Merge(incoming RawPayload) RawPayload {
	if p == nil && incoming == nil {
		return nil
	}
	out := make(RawPayload, len(p)+len(incoming))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy
func (p RawPayload) Clone() RawPayload {
	if p == nil {
		return nil
	}
	out := make(RawPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParsePayload decodes a JSON object into a RawPayload
func ParsePayload(data []byte) (RawPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p RawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return p, nil
}

// String extracts a nullable string. Numbers are formatted without exponent.
func (p RawPayload) String(key string) *string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return &t
	case float64:
		s := strconv.FormatFloat(t, 'f', -1, 64)
		return &s
	case json.Number:
		s := t.String()
		return &s
	}
	return nil
}

// Float extracts a nullable float64 from a number or numeric string
func (p RawPayload) Float(key string) *float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return &f
		}
	}
	return nil
}

// Int extracts a nullable int, truncating fractional values
func (p RawPayload) Int(key string) *int {
	f := p.Float(key)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

// Bool extracts a boolean, false when absent
func (p RawPayload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Object extracts a nested object
func (p RawPayload) Object(key string) RawPayload {
	switch t := p[key].(type) {
	case map[string]any:
		return RawPayload(t)
	case RawPayload:
		return t
	}
	return nil
}

// Time parses an RFC 3339 timestamp or a unix-seconds number
func (p RawPayload) Time(key string) *time.Time {
	switch t := p[key].(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed
			}
		}
	case float64:
		ts := time.Unix(int64(t), 0).UTC()
		return &ts
	}
	return nil
}
