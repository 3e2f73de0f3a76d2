package session

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"paddle-arena/internal/game"
)

// Message types on a session socket.
const (
	TypeJoin      = "join"
	TypeInput     = "input"
	TypeView      = "view"
	TypeGameState = "game_state"
	TypeJoined    = "joined"
	TypeMatchOver = "match_over"
)

// Roles reported in a joined message.
const (
	RolePlayer = "player"
	RoleViewer = "viewer"
)

var ErrMalformedMessage = eris.New("malformed message")

// Inbound is any client-to-server message. Fields not used by a type are
// ignored.
type Inbound struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id,omitempty"`
	Move          string `json:"move,omitempty"`
}

// DecodeInbound parses and shape-checks one inbound frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, eris.Wrap(ErrMalformedMessage, err.Error())
	}
	if msg.Type == "" {
		return Inbound{}, eris.Wrap(ErrMalformedMessage, "missing type")
	}
	return msg, nil
}

// GameStateMessage is broadcast after every tick.
type GameStateMessage struct {
	Type string     `json:"type"`
	Data game.State `json:"data"`
}

// JoinedMessage acknowledges a successful join or view.
type JoinedMessage struct {
	Type          string    `json:"type"`
	SessionID     int64     `json:"session_id"`
	Role          string    `json:"role"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Slot          game.Slot `json:"slot,omitempty"`
	Team          game.Team `json:"team,omitempty"`
	Conf          game.Conf `json:"conf"`
}

// MatchOverMessage is sent once, right before the sockets are closed.
type MatchOverMessage struct {
	Type   string            `json:"type"`
	Winner game.Team         `json:"winner"`
	Score  map[game.Team]int `json:"score"`
}
