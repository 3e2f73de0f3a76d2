package eventlog

import (
	"encoding/json"
	"time"
)

// Type classifies a journal event.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeSessionCreated
	TypeSessionStarted
	TypePlayerJoined
	TypePlayerLeft
	TypePoint
	TypeMatchOver
	TypeSessionTimedOut
	TypeSessionRemoved
	TypeQueueMatched
	TypeQueueExpired
)

// Version for backwards compatibility of journal readers
const Version uint8 = 1

// Event is one journal line.
type Event struct {
	Version       uint8           `json:"version"`
	Type          Type            `json:"type"`
	Name          string          `json:"name"`
	Timestamp     int64           `json:"timestamp"` // Unix nano
	Sequence      uint64          `json:"sequence"`
	SessionID     int64           `json:"session_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"` // rate limit key when set
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (t Type) String() string {
	switch t {
	case TypeSessionCreated:
		return "session_created"
	case TypeSessionStarted:
		return "session_started"
	case TypePlayerJoined:
		return "player_joined"
	case TypePlayerLeft:
		return "player_left"
	case TypePoint:
		return "point"
	case TypeMatchOver:
		return "match_over"
	case TypeSessionTimedOut:
		return "session_timed_out"
	case TypeSessionRemoved:
		return "session_removed"
	case TypeQueueMatched:
		return "queue_matched"
	case TypeQueueExpired:
		return "queue_expired"
	default:
		return "unknown"
	}
}

// CreatedPayload describes a new session.
type CreatedPayload struct {
	Kind         string   `json:"kind"`
	Participants []string `json:"participants"`
	TournamentID *int64   `json:"tournament_id,omitempty"`
}

// PointPayload is the board after a point.
type PointPayload struct {
	Scorer string         `json:"scorer"`
	Score  map[string]int `json:"score"`
}

// OverPayload closes a match.
type OverPayload struct {
	Winner string         `json:"winner"`
	Score  map[string]int `json:"score"`
}

// RemovedPayload says why a session left the registry.
type RemovedPayload struct {
	Reason string `json:"reason"`
}

// QueuePayload describes a matchmaking outcome.
type QueuePayload struct {
	Mode         string   `json:"mode"`
	Participants []string `json:"participants"`
}

// EncodePayload marshals a payload, returning nil on failure.
func EncodePayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates an event stamped with now.
func NewEvent(t Type, sessionID int64, participantID string, payload any) Event {
	return Event{
		Version:       Version,
		Type:          t,
		Name:          t.String(),
		Timestamp:     time.Now().UnixNano(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		Payload:       EncodePayload(payload),
	}
}
