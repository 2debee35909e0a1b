// Package codec abstracts snapshot state serialization. The snapshot stores
// treat state as opaque bytes; a decode failure makes a stored snapshot an
// unusable candidate rather than an error.
package codec

import (
	"encoding/json"
	"fmt"
)

// Codec turns snapshot state into bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is a Codec using encoding/json.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot state: %w", err)
	}
	return b, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling snapshot state: %w", err)
	}
	return nil
}
