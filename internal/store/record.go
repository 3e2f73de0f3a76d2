package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

var ErrInvalidRecord = eris.New("invalid match record")

// PlayerRow is one human participant's line in a finished match.
type PlayerRow struct {
	UserID string `json:"user_id" db:"user_id"`
	Team   string `json:"team" db:"team"`
	Slot   string `json:"slot" db:"slot"`
	Score  int    `json:"score" db:"score"`
	Winner bool   `json:"winner" db:"winner"`
}

// MatchRecord is the immutable summary of a finished match. It is written
// exactly once.
type MatchRecord struct {
	ID           int64       `json:"id,omitempty"` // assigned by the repository
	SessionID    int64       `json:"session_id"`
	Kind         string      `json:"kind"`
	TournamentID *int64      `json:"tournament_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      time.Time   `json:"ended_at"`
	WinnerTeam   string      `json:"winner_team"`
	Players      []PlayerRow `json:"players"`
}

// Validate checks the shape the repository relies on.
func (r MatchRecord) Validate() error {
	switch {
	case r.Kind == "":
		return eris.Wrap(ErrInvalidRecord, "kind is required")
	case r.StartedAt.IsZero() || r.EndedAt.IsZero():
		return eris.Wrap(ErrInvalidRecord, "match never started or ended")
	case r.EndedAt.Before(r.StartedAt):
		return eris.Wrap(ErrInvalidRecord, "ended before it started")
	case r.WinnerTeam == "":
		return eris.Wrap(ErrInvalidRecord, "winner is required")
	}
	return nil
}

// Repository durably stores finished matches. SaveMatch must be atomic
// across the match row and its player rows.
type Repository interface {
	SaveMatch(ctx context.Context, rec MatchRecord) (int64, error)
}
