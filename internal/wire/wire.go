// Package wire defines the message envelope exchanged between the session
// hub and its participants, plus the JSON types of the execute HTTP API.
//
// Every frame on the session transport is an Envelope whose Type selects one
// of a closed set of payloads. Decode rejects anything outside that set so an
// unhandled variant is an explicit error rather than a silently ignored map.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeInit           = "init"
	TypeCodeUpdate     = "code_update"
	TypeLanguageUpdate = "language_update"
	TypePresence       = "presence"
	TypeError          = "error"
)

// Error frame kinds. These mirror the broker/store error taxonomy so clients
// can switch on a stable string instead of parsing messages.
const (
	KindSessionNotFound     = "session_not_found"
	KindUnsupportedLanguage = "unsupported_language"
	KindPoolExhausted       = "pool_exhausted"
	KindBrokerUnavailable   = "broker_unavailable"
	KindBadMessage          = "bad_message"
	KindUnauthorized        = "unauthorized"
)

var ErrUnknownType = errors.New("unknown message type")

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is the closed set of session-transport payloads.
type Message interface {
	MessageType() string
}

type Init struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Revision uint64 `json:"revision"`
}

func (Init) MessageType() string { return TypeInit }

type CodeUpdate struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
	// Revision is set on hub->client frames only; client->hub frames carry
	// zero and the store assigns the real value.
	Revision uint64 `json:"revision,omitempty"`
}

func (CodeUpdate) MessageType() string { return TypeCodeUpdate }

type LanguageUpdate struct {
	Language string `json:"language"`
	// Revision is set on hub->client frames only, like CodeUpdate.Revision.
	Revision uint64 `json:"revision,omitempty"`
}

func (LanguageUpdate) MessageType() string { return TypeLanguageUpdate }

type Presence struct {
	Participants []ParticipantInfo `json:"participants"`
}

func (Presence) MessageType() string { return TypePresence }

type ParticipantInfo struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (Error) MessageType() string { return TypeError }

// Encode wraps msg in an Envelope and marshals it.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// Decode parses a raw frame into its typed payload.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeInit:
		msg = &Init{}
	case TypeCodeUpdate:
		msg = &CodeUpdate{}
	case TypeLanguageUpdate:
		msg = &LanguageUpdate{}
	case TypePresence:
		msg = &Presence{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Init:
		return *m
	case *CodeUpdate:
		return *m
	case *LanguageUpdate:
		return *m
	case *Presence:
		return *m
	case *Error:
		return *m
	default:
		return msg
	}
}
