package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"paddle-arena/internal/eventlog"
	"paddle-arena/internal/game"
	"paddle-arena/internal/store"
	"paddle-arena/internal/telemetry"
)

var (
	ErrNotFound     = eris.New("session not found")
	ErrShuttingDown = eris.New("registry is shutting down")
)

// DefaultTickInterval is the scheduler period (about 30Hz).
const DefaultTickInterval = 33 * time.Millisecond

// Persister takes finished match records off the scheduler's hands.
// Persist must not block; it reports whether the record was accepted.
type Persister interface {
	Persist(rec store.MatchRecord) bool
}

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	TickInterval   time.Duration
	SessionTimeout time.Duration
	Clock          clockwork.Clock
}

// CreateOptions are per-session creation parameters.
type CreateOptions struct {
	TournamentID *int64
	Conf         *game.Conf
}

// Registry owns every live session and drives them from one scheduler.
//
// A single mutex stands in for the event loop: ticks, inbound messages and
// connection-closed events each run to completion under it, so a session is
// never touched by two goroutines at once.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
	closed   bool

	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock

	persister Persister
	journal   *eventlog.Log
	log       zerolog.Logger
}

// NewRegistry creates an empty registry. persister and journal may be nil.
func NewRegistry(cfg RegistryConfig, persister Persister, journal *eventlog.Log, log zerolog.Logger) *Registry {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions:  make(map[int64]*Session),
		interval:  cfg.TickInterval,
		timeout:   cfg.SessionTimeout,
		clock:     cfg.Clock,
		persister: persister,
		journal:   journal,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// CreateSession allocates the next id, builds the session and registers it.
func (r *Registry) CreateSession(kind game.Kind, participants []Participant, opts CreateOptions) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrShuttingDown
	}

	id := r.nextID + 1
	s, err := New(id, kind, participants, Options{
		TournamentID: opts.TournamentID,
		Timeout:      r.timeout,
		Conf:         opts.Conf,
		Clock:        r.clock,
		Logger:       r.log,
	})
	if err != nil {
		return 0, err
	}
	r.nextID = id
	r.sessions[id] = s

	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	r.journal.EmitSimple(eventlog.TypeSessionCreated, id, "", eventlog.CreatedPayload{
		Kind:         string(kind),
		Participants: ids,
		TournamentID: opts.TournamentID,
	})
	telemetry.SessionCreated(string(kind))
	telemetry.SetLiveSessions(len(r.sessions))

	r.log.Info().Int64("session", id).Str("kind", string(kind)).Strs("participants", ids).Msg("🎮 session created")
	return id, nil
}

// Config returns a session's engine tuning.
func (r *Registry) Config(id int64) (game.Conf, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return game.Conf{}, eris.Wrapf(ErrNotFound, "session %d", id)
	}
	return s.Config(), nil
}

// Connect checks that a connection may attach to session id. An unknown id
// closes the connection with CloseNotFound. Subsequent frames go to Dispatch.
func (r *Registry) Connect(id int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		conn.Close(CloseNotFound, "session not found")
		return false
	}
	return true
}

// Dispatch hands one inbound frame to the session's message handler. A first
// view frame makes the connection a spectator.
func (r *Registry) Dispatch(id int64, conn Conn, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		conn.Close(CloseNotFound, "session not found")
		return
	}

	seated := s.playerByConn(conn) != nil
	if err := s.HandleMessage(conn, raw); err != nil {
		telemetry.RecordProtocolError()
		r.log.Debug().Err(err).Int64("session", id).Str("conn", conn.ID()).Msg("message rejected")
		return
	}

	if p := s.playerByConn(conn); p != nil && !seated {
		r.journal.EmitSimple(eventlog.TypePlayerJoined, id, p.ID, nil)
	}
}

// Closed delivers the connection-closed event to the owning session.
func (r *Registry) Closed(id int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if p := s.playerByConn(conn); p != nil {
		r.journal.EmitSimple(eventlog.TypePlayerLeft, id, p.ID, nil)
	}
	s.HandleClosed(conn)
}

// TickAll runs one scheduler cycle: every registered session gets exactly one
// pass.
func (r *Registry) TickAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	for id, s := range r.sessions {
		r.tickSession(id, s)
	}
	telemetry.RecordTick(time.Since(start))
	telemetry.SetLiveSessions(len(r.sessions))
}

func (r *Registry) tickSession(id int64, s *Session) {
	if !s.Started() {
		if s.CheckAndStart() {
			r.journal.EmitSimple(eventlog.TypeSessionStarted, id, "", nil)
		} else if s.TimedOut() {
			r.expire(id, s)
		}
		return
	}

	if s.TimedOut() {
		r.expire(id, s)
		return
	}

	if scorer := s.Tick(); scorer != "" {
		r.journal.EmitSimple(eventlog.TypePoint, id, "", eventlog.PointPayload{
			Scorer: string(scorer),
			Score:  scoreLabels(s.Score()),
		})
	}
	s.Broadcast(s.StateMessage())

	if s.Over() {
		r.finish(id, s)
	}
}

// finish persists, notifies and tears down a decided match.
func (r *Registry) finish(id int64, s *Session) {
	score := s.Score()
	s.Broadcast(MatchOverMessage{Type: TypeMatchOver, Winner: s.Winner(), Score: score})

	r.journal.EmitSimple(eventlog.TypeMatchOver, id, "", eventlog.OverPayload{
		Winner: string(s.Winner()),
		Score:  scoreLabels(score),
	})

	if rec := s.Record(); rec != nil && r.persister != nil {
		if !r.persister.Persist(*rec) {
			r.log.Warn().Int64("session", id).Msg("⚠️ match record dropped by persister")
		}
	}

	s.CloseAllConnections(CloseNormal, "match over")
	r.remove(id, "over")
	r.log.Info().Int64("session", id).Str("winner", string(s.Winner())).
		Int("left", score[game.TeamLeft]).Int("right", score[game.TeamRight]).Msg("🏆 match over")
}

// expire discards a session nobody is playing in. It is never persisted.
func (r *Registry) expire(id int64, s *Session) {
	r.journal.EmitSimple(eventlog.TypeSessionTimedOut, id, "", nil)
	s.CloseAllConnections(CloseTimeout, "session timed out")
	r.remove(id, "timed_out")
	r.log.Info().Int64("session", id).Bool("started", s.Started()).Msg("⌛ session timed out")
}

func (r *Registry) remove(id int64, reason string) {
	delete(r.sessions, id)
	r.journal.EmitSimple(eventlog.TypeSessionRemoved, id, "", eventlog.RemovedPayload{Reason: reason})
	telemetry.SessionFinished(reason)
}

// Run drives TickAll from a fixed-period ticker until ctx is done. A cycle
// always completes before the next one starts; missed ticks are dropped.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("⏱️ scheduler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.Chan():
			r.TickAll()
		}
	}
}

// Shutdown closes every socket with CloseGoingAway and empties the registry.
// Later CreateSession calls fail with ErrShuttingDown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, s := range r.sessions {
		s.CloseAllConnections(CloseGoingAway, "server shutting down")
		r.remove(id, "shutdown")
	}
	telemetry.SetLiveSessions(0)
}

// IsPlaying reports whether participant id is seated in any live session.
func (r *Registry) IsPlaying(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if _, ok := s.players[participantID]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Summary is one session as reported by Stats.
type Summary struct {
	ID           int64             `json:"id"`
	Kind         game.Kind         `json:"kind"`
	State        string            `json:"state"`
	Participants []string          `json:"participants"`
	Connected    int               `json:"connected"`
	Viewers      int               `json:"viewers"`
	Score        map[game.Team]int `json:"score"`
}

// Stats is a registry snapshot.
type Stats struct {
	Live     int       `json:"live"`
	Waiting  int       `json:"waiting"`
	Active   int       `json:"active"`
	Sessions []Summary `json:"sessions"`
}

// Stats reports every live session, ordered by id.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Live: len(r.sessions), Sessions: make([]Summary, 0, len(r.sessions))}
	for id, s := range r.sessions {
		switch s.State() {
		case StateWaiting:
			st.Waiting++
		case StateActive:
			st.Active++
		}
		st.Sessions = append(st.Sessions, Summary{
			ID:           id,
			Kind:         s.Kind(),
			State:        s.State().String(),
			Participants: s.Participants(),
			Connected:    s.ConnectedPlayers(),
			Viewers:      s.ViewerCount(),
			Score:        s.Score(),
		})
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	return st
}

func scoreLabels(score map[game.Team]int) map[string]int {
	out := make(map[string]int, len(score))
	for team, n := range score {
		out[string(team)] = n
	}
	return out
}
