package game

import (
	"math"

	"github.com/rotisserie/eris"
)

// maxStepMs bounds a single physics sub-step so a long tick cannot carry
// the ball through a paddle.
const maxStepMs = 10.0

// Ball is the ball state. X/Y is the center, DX/DY is velocity in px/s.
type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Paddle is one slot's paddle. Y is the top edge.
type Paddle struct {
	Slot      Slot
	Team      Team
	X         float64
	Y         float64
	VY        float64
	Connected bool

	bounds bounds
}

func (p *Paddle) centerY(c Conf) float64 {
	return p.Y + c.PaddleHeight/2
}

// Engine is the authoritative physics for one match.
//
// Engine has no clock, no RNG and no I/O: the same sequence of Update and
// ApplyMovement calls always produces the same state. It is not safe for
// concurrent use; the owning session serialises access.
type Engine struct {
	kind    Kind
	conf    Conf
	ball    Ball
	paddles map[Slot]*Paddle
	order   []Slot
	score   map[Team]int
	winner  Team

	servePause float64 // ms of ball freeze remaining
	rally      int     // paddle hits since the last point
}

// NewEngine creates an engine with the default Conf for kind.
func NewEngine(kind Kind) (*Engine, error) {
	conf, err := DefaultConf(kind)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConf(kind, conf)
}

// NewEngineWithConf creates an engine with explicit tuning.
func NewEngineWithConf(kind Kind, conf Conf) (*Engine, error) {
	if _, err := DefaultConf(kind); err != nil {
		return nil, err
	}
	if conf.Width <= 0 || conf.Height <= 0 || conf.WinPoint <= 0 || conf.PaddleHeight <= 0 {
		return nil, eris.Wrapf(ErrInvalidConf, "%dx%d paddle %g win point %d",
			int(conf.Width), int(conf.Height), conf.PaddleHeight, conf.WinPoint)
	}

	e := &Engine{
		kind:    kind,
		conf:    conf,
		paddles: make(map[Slot]*Paddle),
		order:   kind.Slots(),
		score:   map[Team]int{TeamLeft: 0, TeamRight: 0},
	}

	for _, slot := range e.order {
		x, b, err := conf.slotBounds(slot)
		if err != nil {
			return nil, err
		}
		team, err := TeamOf(slot)
		if err != nil {
			return nil, err
		}
		e.paddles[slot] = &Paddle{
			Slot:   slot,
			Team:   team,
			X:      x,
			Y:      (b.min + b.max) / 2,
			bounds: b,
		}
	}

	e.ball = Ball{
		X:  conf.Width / 2,
		Y:  conf.Height / 2,
		DX: conf.BallSpeed * math.Cos(conf.ServeAngle),
		DY: conf.BallSpeed * math.Sin(conf.ServeAngle),
	}
	e.servePause = conf.ServePauseMs

	return e, nil
}

// Kind returns the match kind.
func (e *Engine) Kind() Kind { return e.kind }

// Conf returns a copy of the tuning.
func (e *Engine) Conf() Conf { return e.conf }

// Winner returns the winning team, or "" while undecided.
func (e *Engine) Winner() Team { return e.winner }

// Score returns a team's points.
func (e *Engine) Score(t Team) int { return e.score[t] }

// Ball returns the ball state.
func (e *Engine) Ball() Ball { return e.ball }

// Paddle returns a copy of a slot's paddle.
func (e *Engine) Paddle(slot Slot) (Paddle, bool) {
	p, ok := e.paddles[slot]
	if !ok {
		return Paddle{}, false
	}
	return *p, true
}

// Bounds returns the clamp range for a slot's paddle top edge.
func (e *Engine) Bounds(slot Slot) (lo, hi float64, ok bool) {
	p, ok := e.paddles[slot]
	if !ok {
		return 0, 0, false
	}
	return p.bounds.min, p.bounds.max, true
}

// Serving reports whether the ball is frozen for a serve.
func (e *Engine) Serving() bool { return e.servePause > 0 }

// Rally returns paddle hits since the last point.
func (e *Engine) Rally() int { return e.rally }

// ApplyMovement sets a paddle's velocity. Position only changes in Update.
func (e *Engine) ApplyMovement(slot Slot, m Move) error {
	p, ok := e.paddles[slot]
	if !ok {
		return eris.Wrapf(ErrUnknownSlot, "slot %q not in %s match", slot, e.kind)
	}
	switch m {
	case MoveUp:
		p.VY = -e.conf.PaddleSpeed
	case MoveDown:
		p.VY = e.conf.PaddleSpeed
	case MoveStop:
		p.VY = 0
	default:
		return eris.Wrapf(ErrUnknownMove, "move %q", m)
	}
	return nil
}

// SetConnected flags whether a slot has a live connection. It only gates
// rendering; disconnected paddles stay in the physics so the court has no holes.
func (e *Engine) SetConnected(slot Slot, connected bool) error {
	p, ok := e.paddles[slot]
	if !ok {
		return eris.Wrapf(ErrUnknownSlot, "slot %q not in %s match", slot, e.kind)
	}
	p.Connected = connected
	return nil
}

// Update advances the match by deltaMs milliseconds.
func (e *Engine) Update(deltaMs float64) {
	if deltaMs <= 0 || math.IsNaN(deltaMs) || math.IsInf(deltaMs, 0) {
		return
	}

	e.movePaddles(deltaMs)

	if e.winner != "" {
		return
	}

	if e.servePause > 0 {
		e.servePause -= deltaMs
		if e.servePause < 0 {
			e.servePause = 0
		}
		return
	}

	remaining := deltaMs
	for remaining > 0 {
		step := math.Min(remaining, maxStepMs)
		remaining -= step
		if e.stepBall(step / 1000) {
			return
		}
	}
}

func (e *Engine) movePaddles(deltaMs float64) {
	dt := deltaMs / 1000
	for _, slot := range e.order {
		p := e.paddles[slot]
		p.Y += p.VY * dt
		if p.Y < p.bounds.min {
			p.Y = p.bounds.min
		}
		if p.Y > p.bounds.max {
			p.Y = p.bounds.max
		}
	}
}

// stepBall moves the ball dt seconds. It returns true if a point was scored.
func (e *Engine) stepBall(dt float64) bool {
	b := &e.ball
	half := e.conf.BallSize / 2

	b.X += b.DX * dt
	b.Y += b.DY * dt

	// Wall bounce
	if b.Y-half <= 0 {
		b.Y = half
		b.DY = math.Abs(b.DY)
	} else if b.Y+half >= e.conf.Height {
		b.Y = e.conf.Height - half
		b.DY = -math.Abs(b.DY)
	}

	for _, slot := range e.order {
		if e.collide(e.paddles[slot]) {
			break
		}
	}

	switch {
	case b.X < 0:
		e.point(TeamRight)
		return true
	case b.X > e.conf.Width:
		e.point(TeamLeft)
		return true
	}
	return false
}

// collide bounces the ball off p when they overlap and the ball is heading
// into the paddle face. The outgoing angle follows the hit offset from the
// paddle center.
func (e *Engine) collide(p *Paddle) bool {
	b := &e.ball
	c := e.conf
	half := c.BallSize / 2

	if p.Team == TeamLeft && b.DX >= 0 {
		return false
	}
	if p.Team == TeamRight && b.DX <= 0 {
		return false
	}

	centerX := p.X + c.PaddleWidth/2
	centerY := p.centerY(c)
	if math.Abs(b.X-centerX) > (c.PaddleWidth+c.BallSize)/2 {
		return false
	}
	if math.Abs(b.Y-centerY) > (c.PaddleHeight+c.BallSize)/2 {
		return false
	}

	offset := (b.Y - centerY) / (c.PaddleHeight/2 + half)
	offset = math.Max(-1, math.Min(1, offset))
	angle := offset * c.MaxBounceAngle

	speed := math.Hypot(b.DX, b.DY) * c.SpeedUp
	if c.MaxBallSpeed > 0 && speed > c.MaxBallSpeed {
		speed = c.MaxBallSpeed
	}

	dir := 1.0
	if p.Team == TeamRight {
		dir = -1
	}
	b.DX = dir * speed * math.Cos(angle)
	b.DY = speed * math.Sin(angle)

	if p.Team == TeamLeft {
		b.X = p.X + c.PaddleWidth + half
	} else {
		b.X = p.X - half
	}

	e.rally++
	return true
}

// point credits scorer, re-centers the ball and starts the serve pause.
// The serve keeps the pre-reset angle and heads toward the scoring side.
func (e *Engine) point(scorer Team) {
	e.score[scorer]++
	if e.winner == "" && e.score[scorer] >= e.conf.WinPoint {
		e.winner = scorer
	}

	b := &e.ball
	angle := math.Atan2(math.Abs(b.DY), math.Abs(b.DX))
	if angle > e.conf.MaxBounceAngle {
		angle = e.conf.MaxBounceAngle
	}
	vertical := 1.0
	if b.DY < 0 {
		vertical = -1
	}
	dir := 1.0
	if scorer == TeamLeft {
		dir = -1
	}

	b.X = e.conf.Width / 2
	b.Y = e.conf.Height / 2
	b.DX = dir * e.conf.BallSpeed * math.Cos(angle)
	b.DY = vertical * e.conf.BallSpeed * math.Sin(angle)

	e.servePause = e.conf.ServePauseMs
	e.rally = 0
}
