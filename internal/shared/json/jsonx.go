// Package jsonx pins the JSON codec used across the client. Stream payloads
// decode on every event, so the module standardizes on goccy/go-json and
// keeps the choice swappable in one place.
package jsonx

import "github.com/goccy/go-json"

// RawMessage defers decoding of a payload, used for the run event log.
type RawMessage = json.RawMessage

// Marshal encodes v with the configured codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewDecoder reads JSON from r, used for HTTP response bodies.
var NewDecoder = json.NewDecoder
