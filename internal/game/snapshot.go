package game

// PaddleSnapshot is an immutable copy of a paddle for broadcast.
type PaddleSnapshot struct {
	Team      Team    `json:"team"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VY        float64 `json:"vy"`
	Connected bool    `json:"connected"`
}

// State is an immutable copy of the engine state, the "data" of a
// game_state message. Value types only, so it can leave the tick safely.
type State struct {
	Ball    Ball                    `json:"ball"`
	Players map[Slot]PaddleSnapshot `json:"players"`
	Score   map[Team]int            `json:"score"`
	Winner  Team                    `json:"winner,omitempty"`
	Serving bool                    `json:"serving"`
	Rally   int                     `json:"rally"`
}

// State produces a snapshot of the current state.
func (e *Engine) State() State {
	players := make(map[Slot]PaddleSnapshot, len(e.paddles))
	for _, slot := range e.order {
		p := e.paddles[slot]
		players[slot] = PaddleSnapshot{
			Team:      p.Team,
			X:         p.X,
			Y:         p.Y,
			VY:        p.VY,
			Connected: p.Connected,
		}
	}

	score := make(map[Team]int, len(e.score))
	for t, v := range e.score {
		score[t] = v
	}

	return State{
		Ball:    e.ball,
		Players: players,
		Score:   score,
		Winner:  e.winner,
		Serving: e.servePause > 0,
		Rally:   e.rally,
	}
}
