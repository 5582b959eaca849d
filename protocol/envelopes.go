package protocol

import "time"

// Confirmed acknowledges an init_connection frame.
func Confirmed(sessionID, userID string, active bool, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeConnectionConfirmed,
		SessionID: sessionID,
		UserID:    userID,
		IsActive:  &active,
		Timestamp: Now(now),
	}
}

// Active tells both participants that the session is paired.
func Active(sessionID string, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeSessionActive,
		SessionID: sessionID,
		Timestamp: Now(now),
	}
}

// Relayed carries a payload to the counterpart. The payload is passed through
// untouched.
func Relayed(sessionID, payload string, now time.Time) *Envelope {
	return &Envelope{
		Type:             TypeTranslationMessage,
		SessionID:        sessionID,
		EncryptedMessage: payload,
		Timestamp:        Now(now),
	}
}

func HeartbeatResponse(sessionID string, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeHeartbeatResponse,
		SessionID: sessionID,
		Timestamp: Now(now),
	}
}

func Ended(sessionID string, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeSessionEnded,
		SessionID: sessionID,
		Timestamp: Now(now),
	}
}

// Error builds an error envelope with the given reason.
func Error(reason string, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Error:     reason,
		Timestamp: Now(now),
	}
}
