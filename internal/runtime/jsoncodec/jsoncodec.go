// Package jsoncodec is the JSON entry point for queued messages, change event
// payloads and integration events. It is backed by sonic in std-compatible mode
// so struct tags and error shapes match encoding/json.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Encode writes v to w as JSON.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

// DecodeStrict decodes a single document from r and rejects unknown fields.
func DecodeStrict(r io.Reader, v any) error {
	dec := api.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
