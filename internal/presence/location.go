package presence

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("invalid UTF-8")

// Location is the payload of a location event: the parsed JSON value, the
// frame exactly as received, and a snapshot of the sender's session.
type Location struct {
	Session Session
	Value   any
	Raw     []byte
}

// DecodeLocation parses a text frame. Any JSON value is accepted.
func DecodeLocation(raw []byte) (any, error) {
	if !utf8.Valid(raw) {
		return nil, &DecodeError{Kind: KindText, Err: errInvalidUTF8}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &DecodeError{Kind: KindText, Err: err}
	}
	return v, nil
}
