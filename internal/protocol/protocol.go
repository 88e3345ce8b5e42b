// Package protocol defines the JSON frames exchanged between a room client
// and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Represents the type of a room frame
type MessageType string

const (
	// Sent once by the relay right after a client connects
	TypeInit MessageType = "init"

	// Sent in both directions whenever the whole document is replaced
	TypeUpdateCode MessageType = "update_code"
)

// ErrMalformed is returned for frames that cannot be decoded or carry an
// unknown type.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is one room frame. Code always holds the full document text.
type Message struct {
	Type MessageType `json:"type"`
	Code string      `json:"code"`
}

// wire mirrors Message with an optional code so a missing field can be told
// apart from an empty document.
type wire struct {
	Type MessageType `json:"type"`
	Code *string     `json:"code"`
}

// Builds the init frame the relay sends on connect
func NewInit(code string) Message {
	return Message{Type: TypeInit, Code: code}
}

// Builds the broadcast form of a local edit
func NewUpdate(code string) Message {
	return Message{Type: TypeUpdateCode, Code: code}
}

// Reports whether t is a frame type this protocol understands
func (t MessageType) Known() bool {
	switch t {
	case TypeInit, TypeUpdateCode:
		return true
	default:
		return false
	}
}

// Decode parses one frame. Every failure wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !w.Type.Known() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	if w.Code == nil {
		return Message{}, fmt.Errorf("%w: %s frame without code", ErrMalformed, w.Type)
	}

	return Message{Type: w.Type, Code: *w.Code}, nil
}

// Encode serializes a frame, refusing types Decode would reject.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return json.Marshal(m)
}
