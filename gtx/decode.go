package gtx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decode parses a JSON-encoded [Message].
//
// Unknown fields are ignored.
// Every required field must be present and non-null,
// and the enum-valued fields must hold one of their declared values;
// anything else is a decode error.
// Errors for absent or null fields wrap [ErrMissingField].
func Decode(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Message{}, errors.New("empty message")
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode transaction message: %w", err)
	}

	return m, nil
}

// Encode returns the compact JSON encoding of m.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction message: %w", err)
	}
	return b, nil
}
