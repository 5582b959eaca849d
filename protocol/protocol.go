// Package protocol defines the JSON envelope exchanged with relay clients over
// the WebSocket transport.
//
// Every frame is a single JSON object carrying a type discriminator, the
// session it belongs to and, for client frames, the sending participant:
//
//	{"type":"init_connection","session_id":"s1","user_id":"alice","timestamp":1700000000000}
//
// The encrypted_message field is opaque ciphertext. The relay copies it from
// the sender's frame to the counterpart's frame byte for byte and never
// decodes it.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// MessageType is the envelope discriminator.
type MessageType string

// Client to server.
const (
	TypeInitConnection     MessageType = "init_connection"
	TypeTranslationMessage MessageType = "translation_message"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeEndSession         MessageType = "end_session"
)

// Server to client. TypeTranslationMessage is used in both directions.
const (
	TypeConnectionConfirmed MessageType = "connection_confirmed"
	TypeSessionActive       MessageType = "session_active"
	TypeHeartbeatResponse   MessageType = "heartbeat_response"
	TypeSessionEnded        MessageType = "session_ended"
	TypeError               MessageType = "error"
)

// Reasons carried in the error field of an error envelope.
const (
	ReasonInvalidFormat    = "Invalid message format"
	ReasonUnknownType      = "Unknown message type"
	ReasonSessionNotActive = "Session not active"
)

// ErrInvalidFormat is returned by Decode for frames that are not JSON objects
// or that lack a required field.
var ErrInvalidFormat = errors.New(ReasonInvalidFormat)

// Envelope is the unit exchanged on the wire.
type Envelope struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id,omitempty"`
	UserID           string      `json:"user_id,omitempty"`
	EncryptedMessage string      `json:"encrypted_message,omitempty"`
	IsActive         *bool       `json:"is_active,omitempty"`
	Error            string      `json:"error,omitempty"`
	Timestamp        int64       `json:"timestamp"`
}

// inbound mirrors Envelope with pointer fields so that absent and empty
// values can be told apart during validation.
type inbound struct {
	Type             *string `json:"type"`
	SessionID        *string `json:"session_id"`
	UserID           *string `json:"user_id"`
	EncryptedMessage *string `json:"encrypted_message"`
	Timestamp        *int64  `json:"timestamp"`
}

// IsClientType reports whether t may be sent by a client.
func IsClientType(t MessageType) bool {
	switch t {
	case TypeInitConnection, TypeTranslationMessage, TypeHeartbeat, TypeEndSession:
		return true
	}
	return false
}

// Decode parses a client frame. The type, session_id and user_id fields are
// required and must be strings; translation_message frames must also carry
// encrypted_message. A well-formed frame with an unrecognized type decodes
// without error so the caller can answer with ReasonUnknownType.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.Wrap(ErrInvalidFormat, "frame is not a JSON object")
	}
	var in inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return nil, errors.Wrapf(ErrInvalidFormat, "unmarshal: %v", err)
	}
	switch {
	case in.Type == nil || *in.Type == "":
		return nil, errors.Wrap(ErrInvalidFormat, "missing type")
	case in.SessionID == nil || *in.SessionID == "":
		return nil, errors.Wrap(ErrInvalidFormat, "missing session_id")
	case in.UserID == nil || *in.UserID == "":
		return nil, errors.Wrap(ErrInvalidFormat, "missing user_id")
	}
	env := &Envelope{
		Type:      MessageType(*in.Type),
		SessionID: *in.SessionID,
		UserID:    *in.UserID,
	}
	if in.Timestamp != nil {
		env.Timestamp = *in.Timestamp
	}
	if env.Type == TypeTranslationMessage {
		if in.EncryptedMessage == nil {
			return nil, errors.Wrap(ErrInvalidFormat, "missing encrypted_message")
		}
		env.EncryptedMessage = *in.EncryptedMessage
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", env.Type)
	}
	return buf, nil
}

// Now returns t as epoch milliseconds, the unit of the timestamp field.
func Now(t time.Time) int64 {
	return t.UnixMilli()
}
