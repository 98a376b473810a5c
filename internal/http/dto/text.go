package dto

import (
	"encoding/json"
	"errors"
)

// Text accepts a JSON string, number or boolean and keeps its text. Clients
// send values like 5.5 and "5.5" interchangeably; both reach the parser as
// the same string.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	case '{', '[':
		return errors.New("expected a string, number or boolean")
	}
	if !json.Valid(b) {
		return errors.New("invalid JSON value")
	}
	*t = Text(b)
	return nil
}
