package session

import (
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"paddle-arena/internal/game"
	"paddle-arena/internal/store"
)

var (
	ErrInvalidParticipants = eris.New("invalid participants")
	ErrUnknownParticipant  = eris.New("unknown participant")
	ErrDuplicateJoin       = eris.New("duplicate join")
	ErrSpectator           = eris.New("spectators cannot play")
	ErrNotJoined           = eris.New("connection has not joined")
	ErrUnknownType         = eris.New("unknown message type")
)

// DefaultTimeout is how long a session may sit without any player
// connection before the scheduler discards it.
const DefaultTimeout = 60 * time.Second

// State is the session lifecycle.
type State int

const (
	StateCreated State = iota
	StateWaiting
	StateActive
	StateOver
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateOver:
		return "over"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Participant is someone placed into a match. Bot marks non-human fill-ins;
// they play through ordinary input messages but are not persisted.
type Participant struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot,omitempty"`
}

// Player is a participant bound to a slot. Slot and team never change.
type Player struct {
	Participant
	Slot game.Slot
	Team game.Team

	conn Conn
}

// Connected reports whether the slot has a live connection.
func (p *Player) Connected() bool { return p.conn != nil }

// Options tunes a new session.
type Options struct {
	TournamentID *int64
	Timeout      time.Duration
	Conf         *game.Conf // nil uses the kind default
	Clock        clockwork.Clock
	Logger       zerolog.Logger
}

// Session owns one match: its engine, its sockets and its lifecycle.
//
// Session is not safe for concurrent use. The Registry serialises every call.
type Session struct {
	id           int64
	kind         game.Kind
	tournamentID *int64
	engine       *game.Engine

	players   map[string]*Player
	order     []string        // participant ids in slot order
	viewers   map[string]Conn // conn id -> conn
	spectated map[string]bool // conn ids that ever joined as viewer

	state        State
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	lastTick     time.Time
	winner       game.Team

	timeout time.Duration
	clock   clockwork.Clock
	log     zerolog.Logger
}

// New builds a session, assigning slots to participants in order.
func New(id int64, kind game.Kind, participants []Participant, opts Options) (*Session, error) {
	if _, err := game.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	slots := kind.Slots()
	if len(participants) != len(slots) {
		return nil, eris.Wrapf(ErrInvalidParticipants, "%s needs %d participants, got %d", kind, len(slots), len(participants))
	}

	var (
		engine *game.Engine
		err    error
	)
	if opts.Conf != nil {
		engine, err = game.NewEngineWithConf(kind, *opts.Conf)
	} else {
		engine, err = game.NewEngine(kind)
	}
	if err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	s := &Session{
		id:           id,
		kind:         kind,
		tournamentID: opts.TournamentID,
		engine:       engine,
		players:      make(map[string]*Player, len(participants)),
		order:        make([]string, 0, len(participants)),
		viewers:      make(map[string]Conn),
		spectated:    make(map[string]bool),
		state:        StateCreated,
		timeout:      opts.Timeout,
		clock:        opts.Clock,
		log:          opts.Logger.With().Int64("session", id).Logger(),
	}

	for i, p := range participants {
		if p.ID == "" {
			return nil, eris.Wrap(ErrInvalidParticipants, "empty participant id")
		}
		if _, dup := s.players[p.ID]; dup {
			return nil, eris.Wrapf(ErrInvalidParticipants, "participant %q listed twice", p.ID)
		}
		team, err := game.TeamOf(slots[i])
		if err != nil {
			return nil, err
		}
		s.players[p.ID] = &Player{Participant: p, Slot: slots[i], Team: team}
		s.order = append(s.order, p.ID)
	}

	s.createdAt = s.clock.Now()
	s.lastActivity = s.createdAt
	s.state = StateWaiting
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Kind returns the match kind.
func (s *Session) Kind() game.Kind { return s.kind }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Started reports whether the match ever went active.
func (s *Session) Started() bool { return !s.startedAt.IsZero() }

// Config returns the engine tuning for clients.
func (s *Session) Config() game.Conf { return s.engine.Conf() }

// Snapshot returns the engine state.
func (s *Session) Snapshot() game.State { return s.engine.State() }

// Player returns a participant's player record.
func (s *Session) Player(id string) (*Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

// Participants returns participant ids in slot order.
func (s *Session) Participants() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ViewerCount returns the number of attached spectators.
func (s *Session) ViewerCount() int { return len(s.viewers) }

// ConnectedPlayers counts players with a live connection.
func (s *Session) ConnectedPlayers() int {
	n := 0
	for _, p := range s.players {
		if p.conn != nil {
			n++
		}
	}
	return n
}

func (s *Session) touch() {
	s.lastActivity = s.clock.Now()
}

// CheckAndStart moves Waiting to Active the first time every participant
// has a connection. It reports whether the session is active.
func (s *Session) CheckAndStart() bool {
	switch s.state {
	case StateActive:
		return true
	case StateWaiting:
	default:
		return false
	}

	for _, p := range s.players {
		if p.conn == nil {
			return false
		}
	}

	now := s.clock.Now()
	s.startedAt = now
	s.lastTick = now
	s.state = StateActive
	s.log.Info().Str("kind", string(s.kind)).Msg("🏓 match started")
	return true
}

// Tick advances the engine by the wall time since the previous tick and
// returns the team that scored during it, if any. It is a no-op until the
// session is active.
func (s *Session) Tick() game.Team {
	if s.state != StateActive {
		return ""
	}
	left, right := s.engine.Score(game.TeamLeft), s.engine.Score(game.TeamRight)

	now := s.clock.Now()
	delta := now.Sub(s.lastTick)
	s.engine.Update(float64(delta) / float64(time.Millisecond))
	s.winner = s.engine.Winner()
	s.lastTick = now

	switch {
	case s.engine.Score(game.TeamLeft) > left:
		return game.TeamLeft
	case s.engine.Score(game.TeamRight) > right:
		return game.TeamRight
	}
	return ""
}

// Score returns the current board.
func (s *Session) Score() map[game.Team]int {
	return map[game.Team]int{
		game.TeamLeft:  s.engine.Score(game.TeamLeft),
		game.TeamRight: s.engine.Score(game.TeamRight),
	}
}

// Over reports whether the engine has a winner. The first true observation
// stamps the end time; later ones leave it alone.
func (s *Session) Over() bool {
	winner := s.engine.Winner()
	if winner == "" {
		return false
	}
	s.winner = winner
	if s.endedAt.IsZero() {
		s.endedAt = s.clock.Now()
		s.state = StateOver
	}
	return true
}

// Winner returns the decided team, or "".
func (s *Session) Winner() game.Team { return s.winner }

// EndedAt returns the stamped end time, zero while undecided.
func (s *Session) EndedAt() time.Time { return s.endedAt }

// TimedOut reports whether no player has been connected for longer than the
// timeout. Viewers do not keep a session alive.
func (s *Session) TimedOut() bool {
	if s.state == StateOver {
		return false
	}
	if s.state == StateTimedOut {
		return true
	}
	for _, p := range s.players {
		if p.conn != nil {
			return false
		}
	}
	if s.clock.Since(s.lastActivity) <= s.timeout {
		return false
	}
	s.state = StateTimedOut
	return true
}

// ConnectPlayer binds conn to a participant's slot. Rejected connections are
// closed with a code describing why.
func (s *Session) ConnectPlayer(participantID string, conn Conn) error {
	if s.spectated[conn.ID()] {
		conn.Close(CloseForbidden, "spectators cannot play")
		return eris.Wrapf(ErrSpectator, "conn %s", conn.ID())
	}

	if ident := identityOf(conn); ident != "" && ident != participantID {
		conn.Close(CloseForbidden, "participant does not match ticket")
		return eris.Wrapf(ErrUnknownParticipant, "ticket %q tried to join as %q", ident, participantID)
	}

	player, ok := s.players[participantID]
	if !ok {
		conn.Close(CloseNotFound, "unknown participant")
		return eris.Wrapf(ErrUnknownParticipant, "participant %q", participantID)
	}

	if player.conn != nil {
		if player.conn.ID() == conn.ID() {
			return nil
		}
		conn.Close(CloseDuplicate, "slot already connected")
		return eris.Wrapf(ErrDuplicateJoin, "participant %q already connected", participantID)
	}
	if other := s.playerByConn(conn); other != nil {
		conn.Close(CloseDuplicate, "connection already plays another slot")
		return eris.Wrapf(ErrDuplicateJoin, "conn %s already plays %q", conn.ID(), other.ID)
	}

	player.conn = conn
	if err := s.engine.SetConnected(player.Slot, true); err != nil {
		return err
	}
	s.touch()

	s.send(conn, JoinedMessage{
		Type:          TypeJoined,
		SessionID:     s.id,
		Role:          RolePlayer,
		ParticipantID: player.ID,
		Slot:          player.Slot,
		Team:          player.Team,
		Conf:          s.engine.Conf(),
	})
	s.log.Debug().Str("participant", player.ID).Str("slot", string(player.Slot)).Msg("player connected")
	return nil
}

// ConnectViewer attaches conn as a spectator.
func (s *Session) ConnectViewer(conn Conn) error {
	if _, ok := s.viewers[conn.ID()]; ok {
		conn.Close(CloseDuplicate, "already viewing")
		return eris.Wrapf(ErrDuplicateJoin, "conn %s already viewing", conn.ID())
	}
	if p := s.playerByConn(conn); p != nil {
		conn.Close(CloseProtocolError, "players cannot spectate")
		return eris.Wrapf(ErrDuplicateJoin, "conn %s plays %q", conn.ID(), p.ID)
	}

	s.viewers[conn.ID()] = conn
	s.spectated[conn.ID()] = true

	s.send(conn, JoinedMessage{
		Type:      TypeJoined,
		SessionID: s.id,
		Role:      RoleViewer,
		Conf:      s.engine.Conf(),
	})
	return nil
}

// DisconnectPlayer releases a participant's slot if conn is the one bound to it.
func (s *Session) DisconnectPlayer(participantID string, conn Conn) {
	player, ok := s.players[participantID]
	if ok && player.conn != nil && player.conn.ID() == conn.ID() {
		player.conn = nil
		_ = s.engine.SetConnected(player.Slot, false)
		s.log.Debug().Str("participant", participantID).Msg("player disconnected")
	}
	s.touch()
}

// DisconnectViewer detaches a spectator.
func (s *Session) DisconnectViewer(conn Conn) {
	delete(s.viewers, conn.ID())
	s.touch()
}

// HandleClosed is the connection-closed transition. Unknown connections
// (already rejected or detached) are ignored.
func (s *Session) HandleClosed(conn Conn) {
	if p := s.playerByConn(conn); p != nil {
		s.DisconnectPlayer(p.ID, conn)
		return
	}
	if _, ok := s.viewers[conn.ID()]; ok {
		s.DisconnectViewer(conn)
	}
}

// HandleMessage dispatches one inbound frame from conn. Any rejection closes
// that connection only and is returned for logging.
func (s *Session) HandleMessage(conn Conn, raw []byte) error {
	msg, err := DecodeInbound(raw)
	if err != nil {
		conn.Close(CloseProtocolError, "malformed message")
		return err
	}

	switch msg.Type {
	case TypeJoin:
		if msg.ParticipantID == "" {
			conn.Close(CloseProtocolError, "participant_id required")
			return eris.Wrap(ErrMalformedMessage, "join without participant_id")
		}
		return s.ConnectPlayer(msg.ParticipantID, conn)

	case TypeInput:
		return s.handleInput(conn, msg)

	case TypeView:
		return s.ConnectViewer(conn)

	default:
		conn.Close(CloseProtocolError, "unknown message type")
		return eris.Wrapf(ErrUnknownType, "type %q", msg.Type)
	}
}

func (s *Session) handleInput(conn Conn, msg Inbound) error {
	if s.spectated[conn.ID()] {
		conn.Close(CloseForbidden, "spectators cannot send input")
		return eris.Wrapf(ErrSpectator, "conn %s", conn.ID())
	}

	player := s.playerByConn(conn)
	if player == nil {
		conn.Close(CloseProtocolError, "join before sending input")
		return eris.Wrapf(ErrNotJoined, "conn %s", conn.ID())
	}
	if msg.ParticipantID != "" && msg.ParticipantID != player.ID {
		conn.Close(CloseForbidden, "input for another participant")
		return eris.Wrapf(ErrUnknownParticipant, "conn of %q sent input for %q", player.ID, msg.ParticipantID)
	}

	move, err := game.ParseMove(msg.Move)
	if err != nil {
		conn.Close(CloseProtocolError, "invalid move")
		return err
	}
	if err := s.engine.ApplyMovement(player.Slot, move); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Broadcast serialises v once and writes it to every player and viewer.
// A failed write is logged and does not stop delivery to the rest.
func (s *Session) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("broadcast encode failed")
		return 0
	}

	delivered := 0
	for _, id := range s.order {
		if c := s.players[id].conn; c != nil {
			if s.write(c, data) {
				delivered++
			}
		}
	}
	for _, c := range s.viewers {
		if s.write(c, data) {
			delivered++
		}
	}
	return delivered
}

// StateMessage wraps the current engine state for broadcast.
func (s *Session) StateMessage() GameStateMessage {
	return GameStateMessage{Type: TypeGameState, Data: s.engine.State()}
}

// CloseAllConnections closes and detaches every socket.
func (s *Session) CloseAllConnections(code int, reason string) {
	for _, id := range s.order {
		p := s.players[id]
		if p.conn == nil {
			continue
		}
		p.conn.Close(code, reason)
		p.conn = nil
		_ = s.engine.SetConnected(p.Slot, false)
	}
	for id, c := range s.viewers {
		c.Close(code, reason)
		delete(s.viewers, id)
	}
}

// Record returns the persistable summary, or nil unless the match both
// started and ended with a winner. Bots are left out of the player rows.
func (s *Session) Record() *store.MatchRecord {
	winner := s.engine.Winner()
	if s.startedAt.IsZero() || s.endedAt.IsZero() || winner == "" {
		return nil
	}

	rec := &store.MatchRecord{
		SessionID:    s.id,
		Kind:         string(s.kind),
		TournamentID: s.tournamentID,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		WinnerTeam:   string(winner),
	}
	for _, id := range s.order {
		p := s.players[id]
		if p.Bot {
			continue
		}
		rec.Players = append(rec.Players, store.PlayerRow{
			UserID: p.ID,
			Team:   string(p.Team),
			Slot:   string(p.Slot),
			Score:  s.engine.Score(p.Team),
			Winner: p.Team == winner,
		})
	}
	return rec
}

func (s *Session) playerByConn(conn Conn) *Player {
	for _, p := range s.players {
		if p.conn != nil && p.conn.ID() == conn.ID() {
			return p
		}
	}
	return nil
}

func (s *Session) send(conn Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode failed")
		return
	}
	s.write(conn, data)
}

func (s *Session) write(conn Conn, data []byte) bool {
	if err := conn.Send(data); err != nil {
		s.log.Debug().Err(err).Str("conn", conn.ID()).Msg("write failed")
		return false
	}
	return true
}
