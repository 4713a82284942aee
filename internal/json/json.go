// Package json unifies the JSON tooling used across zrelay behind one import:
// sonic for encode/decode, gjson for path reads, sjson for path writes.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RawMessage aliases encoding/json.RawMessage for deferred decoding; sonic
// honors it on both encode and decode.
type RawMessage = stdjson.RawMessage

// Result re-exports gjson.Result so callers don't import gjson directly.
type Result = gjson.Result

// Marshal encodes v with sonic's default config.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalString encodes v and returns the JSON as a string.
func MarshalString(v any) (string, error) {
	return sonic.MarshalString(v)
}

// MarshalIndent encodes v with indentation, for debug/admin output.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.ConfigDefault.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v with sonic's default config.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// UnmarshalString decodes a JSON string into v.
func UnmarshalString(data string, v any) error {
	return sonic.UnmarshalString(data, v)
}

// NewDecoder returns a streaming decoder over r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// NewEncoder returns a streaming encoder over w.
func NewEncoder(w io.Writer) sonic.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

// Parse parses a JSON document for path-based reads.
func Parse(data string) Result { return gjson.Parse(data) }

// ParseBytes parses a JSON document held in a byte slice.
func ParseBytes(data []byte) Result { return gjson.ParseBytes(data) }

// Get reads one path from a JSON string.
func Get(data, path string) Result { return gjson.Get(data, path) }

// GetBytes reads one path from a JSON byte slice.
func GetBytes(data []byte, path string) Result { return gjson.GetBytes(data, path) }

// Valid reports whether data is a structurally complete JSON document.
func Valid(data string) bool { return gjson.Valid(data) }

// ValidBytes reports whether data is a structurally complete JSON document.
func ValidBytes(data []byte) bool { return gjson.ValidBytes(data) }

// SetBytes writes a value at path, returning the updated document.
func SetBytes(data []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(data, path, value)
}

// SetRawBytes writes pre-encoded JSON at path.
func SetRawBytes(data []byte, path string, value []byte) ([]byte, error) {
	return sjson.SetRawBytes(data, path, value)
}

// DeleteBytes removes the value at path.
func DeleteBytes(data []byte, path string) ([]byte, error) {
	return sjson.DeleteBytes(data, path)
}
