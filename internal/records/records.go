// Package records holds the shape shared by every stored record and the
// helpers that move records between raw JSON and typed views.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotObject indicates a collection element is not a JSON object.
	ErrNotObject = errors.New("records: element is not a JSON object")
)

// ID is a record identifier. Legacy documents occasionally carry numeric
// ids, so decoding accepts numbers as well as strings.
type ID string

// String returns the underlying identifier.
func (id ID) String() string {
	return string(id)
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*id = ID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("records: invalid id %s", string(trimmed))
	}
	*id = ID(number.String())
	return nil
}

// Base carries the server-assigned, immutable fields of every record.
type Base struct {
	ID        ID    `json:"id"`
	Timestamp int64 `json:"timestamp"`
}

// NewBase assigns an id derived from now that is unique among existing.
func NewBase(now time.Time, existing []json.RawMessage) Base {
	millis := now.UnixMilli()
	return Base{ID: NextID(millis, existing), Timestamp: millis}
}

// NextID returns the decimal form of millis, incremented until it does not
// collide with an id already present in existing.
func NextID(millis int64, existing []json.RawMessage) ID {
	taken := make(map[ID]struct{}, len(existing))
	for _, raw := range existing {
		if id, err := IDOf(raw); err == nil && id != "" {
			taken[id] = struct{}{}
		}
	}
	candidate := millis
	for {
		id := ID(strconv.FormatInt(candidate, 10))
		if _, exists := taken[id]; !exists {
			return id
		}
		candidate++
	}
}

// IDOf extracts the "id" field of a raw record.
func IDOf(raw json.RawMessage) (ID, error) {
	var identity struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal(raw, &identity); err != nil {
		return "", err
	}
	return identity.ID, nil
}

// IndexOf returns the position of the record with the given id, or -1.
func IndexOf(items []json.RawMessage, id ID) int {
	for index, raw := range items {
		current, err := IDOf(raw)
		if err == nil && current == id {
			return index
		}
	}
	return -1
}

// Decode unmarshals a raw record into a typed view.
func Decode[T any](raw json.RawMessage) (T, error) {
	var view T
	if err := json.Unmarshal(raw, &view); err != nil {
		return view, err
	}
	return view, nil
}

// DecodeAll unmarshals every raw record into typed views.
func DecodeAll[T any](items []json.RawMessage) ([]T, error) {
	views := make([]T, 0, len(items))
	for index, raw := range items {
		view, err := Decode[T](raw)
		if err != nil {
			return nil, fmt.Errorf("records: decode element %d: %w", index, err)
		}
		views = append(views, view)
	}
	return views, nil
}

// Encode marshals a typed view into a raw record.
func Encode(view any) (json.RawMessage, error) {
	encoded, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}

// Merge overlays the fields of view onto raw and drops removeKeys. Fields
// that view does not model are kept untouched.
func Merge(raw json.RawMessage, view any, removeKeys ...string) (json.RawMessage, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return nil, err
	}
	overlay, err := Encode(view)
	if err != nil {
		return nil, err
	}
	overlayFields, err := objectFields(overlay)
	if err != nil {
		return nil, err
	}
	for key, value := range overlayFields {
		fields[key] = value
	}
	for _, key := range removeKeys {
		delete(fields, key)
	}
	return Encode(fields)
}

// RequireObjects verifies that every element is a JSON object.
func RequireObjects(items []json.RawMessage) error {
	for index, raw := range items {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("%w: index %d", ErrNotObject, index)
		}
	}
	return nil
}

// FieldString returns the string value of key in a raw record, or "" when
// the key is absent or not a string.
func FieldString(raw json.RawMessage, key string) string {
	fields, err := objectFields(raw)
	if err != nil {
		return ""
	}
	value, ok := fields[key]
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return ""
	}
	return text
}

// NormalizeEmail trims and lowercases an address for identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fields, nil
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
