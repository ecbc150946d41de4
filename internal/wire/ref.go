// Package wire holds the JSON shapes exchanged with the messaging server, both
// over the Socket.IO transport and the REST directory.
//
// The server has shipped several shapes for the same data over time (populated
// documents vs bare ids, `_id` vs `id`, messages nested under different keys).
// The types here are intentionally permissive so the rest of the engine only
// ever sees one normalized domain shape.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Ref is a reference to a server document that may arrive either populated
// ({"_id":"u1","name":"Ali"}) or as a bare id ("u1").
type Ref struct {
	ID   string
	Name string
}

// IsZero reports whether the reference carries no id.
func (r Ref) IsZero() bool { return r.ID == "" }

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = Ref{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref{ID: s}
		return nil
	case '{':
		var obj struct {
			UnderscoreID json.RawMessage `json:"_id"`
			ID           json.RawMessage `json:"id"`
			Name         string          `json:"name"`
			Username     string          `json:"username"`
			Title        string          `json:"title"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		id, err := scalarString(obj.UnderscoreID)
		if err != nil {
			return err
		}
		if id == "" {
			if id, err = scalarString(obj.ID); err != nil {
				return err
			}
		}
		name := obj.Name
		if name == "" {
			name = obj.Username
		}
		if name == "" {
			name = obj.Title
		}
		*r = Ref{ID: id, Name: name}
		return nil
	default:
		id, err := scalarString(b)
		if err != nil {
			return err
		}
		*r = Ref{ID: id}
		return nil
	}
}

// MarshalJSON implements json.Marshaler. Refs are always sent as bare ids.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

// scalarString decodes a JSON string or number into its string form.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("unsupported id shape %s", string(raw))
	}
	return n.String(), nil
}

// Timestamp accepts RFC 3339 strings and unix milliseconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", string(b), err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
