package game

import (
	"math"

	"github.com/rotisserie/eris"
)

var (
	ErrUnknownKind = eris.New("unknown match kind")
	ErrUnknownSlot = eris.New("unknown slot")
	ErrUnknownMove = eris.New("unknown move")
	ErrInvalidConf = eris.New("invalid conf")
)

// Kind is the match format. It fixes the slot layout and the Conf.
type Kind string

const (
	Kind1v1        Kind = "1v1"
	Kind2v2        Kind = "2v2"
	KindTournament Kind = "tournament"
)

// ParseKind validates a kind coming off the wire.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Kind1v1, Kind2v2, KindTournament:
		return k, nil
	}
	return "", eris.Wrapf(ErrUnknownKind, "kind %q", s)
}

// Slots returns the fixed slot order for a kind.
func (k Kind) Slots() []Slot {
	if k == Kind2v2 {
		return []Slot{SlotTopLeft, SlotBottomLeft, SlotTopRight, SlotBottomRight}
	}
	return []Slot{SlotLeft, SlotRight}
}

// PlayerCount is the number of participants a kind needs.
func (k Kind) PlayerCount() int {
	return len(k.Slots())
}

// Slot is a fixed paddle position assigned once at session creation.
type Slot string

const (
	SlotLeft        Slot = "left"
	SlotRight       Slot = "right"
	SlotTopLeft     Slot = "top_left"
	SlotBottomLeft  Slot = "bottom_left"
	SlotTopRight    Slot = "top_right"
	SlotBottomRight Slot = "bottom_right"
)

// Team is the scoring side a slot belongs to.
type Team string

const (
	TeamLeft  Team = "left"
	TeamRight Team = "right"
)

// Opponent returns the other team.
func (t Team) Opponent() Team {
	if t == TeamLeft {
		return TeamRight
	}
	return TeamLeft
}

// TeamOf derives the team from a slot.
func TeamOf(s Slot) (Team, error) {
	switch s {
	case SlotLeft, SlotTopLeft, SlotBottomLeft:
		return TeamLeft, nil
	case SlotRight, SlotTopRight, SlotBottomRight:
		return TeamRight, nil
	}
	return "", eris.Wrapf(ErrUnknownSlot, "slot %q", s)
}

// Move is a paddle input.
type Move string

const (
	MoveUp   Move = "up"
	MoveDown Move = "down"
	MoveStop Move = "stop"
)

// ParseMove validates a move coming off the wire.
func ParseMove(s string) (Move, error) {
	switch m := Move(s); m {
	case MoveUp, MoveDown, MoveStop:
		return m, nil
	}
	return "", eris.Wrapf(ErrUnknownMove, "move %q", s)
}

// Conf is the per-match geometry and tuning. It is fixed at construction
// and handed to clients so they can render to scale.
type Conf struct {
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	PaddleWidth  float64 `json:"paddle_width"`
	PaddleHeight float64 `json:"paddle_height"`
	PaddleOffset float64 `json:"paddle_offset"` // gap between wall and paddle face
	BallSize     float64 `json:"ball_size"`
	WinPoint     int     `json:"win_point"`

	PaddleSpeed    float64 `json:"paddle_speed"`     // px/s
	BallSpeed      float64 `json:"ball_speed"`       // px/s at serve
	MaxBallSpeed   float64 `json:"max_ball_speed"`   // 0 = uncapped
	SpeedUp        float64 `json:"speed_up"`         // multiplier per paddle hit
	MaxBounceAngle float64 `json:"max_bounce_angle"` // radians, at paddle edge
	ServeAngle     float64 `json:"serve_angle"`      // radians, first serve
	ServePauseMs   float64 `json:"serve_pause_ms"`
}

// DefaultConf returns the canonical tuning for a kind.
func DefaultConf(k Kind) (Conf, error) {
	base := Conf{
		Width:          800,
		Height:         600,
		PaddleWidth:    12,
		PaddleHeight:   100,
		PaddleOffset:   20,
		BallSize:       12,
		WinPoint:       5,
		PaddleSpeed:    420,
		BallSpeed:      360,
		MaxBallSpeed:   1100,
		SpeedUp:        1.05,
		MaxBounceAngle: math.Pi / 3,
		ServeAngle:     math.Pi / 12,
		ServePauseMs:   1000,
	}

	switch k {
	case Kind1v1, KindTournament:
		return base, nil
	case Kind2v2:
		// Square court, each paddle confined to its quadrant's half height.
		base.Height = 800
		base.PaddleHeight = 80
		base.WinPoint = 7
		return base, nil
	}
	return Conf{}, eris.Wrapf(ErrUnknownKind, "kind %q", k)
}

// bounds is the clamp range of a paddle's top edge.
type bounds struct {
	min, max float64
}

// layout computes x position and vertical bounds for a slot.
func (c Conf) layout(s Slot) (x float64, b bounds, err error) {
	leftX := c.PaddleOffset
	rightX := c.Width - c.PaddleOffset - c.PaddleWidth
	full := bounds{0, c.Height - c.PaddleHeight}
	top := bounds{0, c.Height/2 - c.PaddleHeight}
	bottom := bounds{c.Height / 2, c.Height - c.PaddleHeight}

	switch s {
	case SlotLeft:
		return leftX, full, nil
	case SlotRight:
		return rightX, full, nil
	case SlotTopLeft:
		return leftX, top, nil
	case SlotBottomLeft:
		return leftX, bottom, nil
	case SlotTopRight:
		return rightX, top, nil
	case SlotBottomRight:
		return rightX, bottom, nil
	}
	return 0, bounds{}, eris.Wrapf(ErrUnknownSlot, "slot %q", s)
}

// slotBounds is layout with the paddle required to fit its range.
func (c Conf) slotBounds(s Slot) (float64, bounds, error) {
	x, b, err := c.layout(s)
	if err != nil {
		return 0, bounds{}, err
	}
	if b.max < b.min {
		return 0, bounds{}, eris.Wrapf(ErrInvalidConf, "paddle height %g does not fit slot %q", c.PaddleHeight, s)
	}
	return x, b, nil
}
