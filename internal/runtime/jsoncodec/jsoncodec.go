// Package jsoncodec is the JSON codec shared by command messages, event
// payloads handed across the C boundary, and the HTTP API client.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd escapes HTML and control characters, so encoded payloads never
// contain a raw NUL byte and can be handed out as C strings.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
