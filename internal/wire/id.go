package wire

import (
	"encoding/json"
	"fmt"
)

// ID is a request identifier that can be either a string or a number on the
// wire. IDs are opaque to the engine; correlation is by exact value.
type ID struct {
	value any
}

// StringID creates an ID holding a string value.
func StringID(s string) *ID {
	return &ID{value: s}
}

// NumberID creates an ID holding an integer value.
func NumberID(n int64) *ID {
	return &ID{value: n}
}

// IsNil reports whether the ID is absent.
func (id *ID) IsNil() bool {
	return id == nil || id.value == nil
}

// String returns the canonical key used for pending-call correlation.
func (id *ID) String() string {
	if id.IsNil() {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("#%d", v)
	default:
		panic("unreachable: ID contains unsupported type")
	}
}

// Value returns the underlying string or int64 value.
func (id *ID) Value() any {
	if id == nil {
		return nil
	}

	return id.value
}

// MarshalJSON implements json.Marshaler.
func (id *ID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}

	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are normalized to
// int64 so that correlation keys are stable across encode/decode.
func (id *ID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		id.value = num

		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str

		return nil
	}

	return fmt.Errorf("id must be a string or an integer, got %s", data)
}
