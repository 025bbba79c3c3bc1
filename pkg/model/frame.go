package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	TypeUserStatus = "user_status"
	TypeError      = "error"
)

// ChatFrame is sent to every subscriber of a room when a message is published.
type ChatFrame struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// StatusFrame is sent on the presence channel on every online/offline edge.
type StatusFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Status bool   `json:"status"`
}

// ErrorFrame is sent only to the client whose frame caused the error.
type ErrorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func NewChatFrame(msg Message) ChatFrame {
	return ChatFrame{Message: msg.Body, Username: msg.SenderName, UserID: msg.SenderID}
}

func NewStatusFrame(userID int64, online bool) StatusFrame {
	return StatusFrame{Type: TypeUserStatus, UserID: userID, Status: online}
}

func NewErrorFrame(err error) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: ErrorCode(err), Error: err.Error()}
}

func (f ChatFrame) Encode() []byte { return encode(f) }
func (f StatusFrame) Encode() []byte { return encode(f) }
func (f ErrorFrame) Encode() []byte { return encode(f) }

// The frame types only hold strings, ints and bools, so Marshal cannot fail.
func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// ParseInbound validates a client frame on the room channel and returns its
// body. The frame must be a JSON object with exactly one string field named
// "message".
func ParseInbound(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", fmt.Errorf("%w: expected a JSON object", ErrMalformedFrame)
	}

	var body string
	seen := false
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		// A repeated key counts as a second field.
		if key != "message" || seen {
			return "", fmt.Errorf("%w: expected exactly one \"message\" field", ErrMalformedFrame)
		}
		seen = true
		value, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: \"message\" must be a string", ErrMalformedFrame)
		}
		body = s
	}
	if _, err := dec.Token(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("%w: trailing data after the object", ErrMalformedFrame)
	}
	if !seen {
		return "", fmt.Errorf("%w: expected exactly one \"message\" field", ErrMalformedFrame)
	}
	return body, nil
}
