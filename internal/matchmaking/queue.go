package matchmaking

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"paddle-arena/internal/eventlog"
	"paddle-arena/internal/game"
	"paddle-arena/internal/session"
	"paddle-arena/internal/telemetry"
)

var (
	ErrAlreadyQueued  = eris.New("participant already queued")
	ErrAlreadyPlaying = eris.New("participant already in a match")
	ErrUnknownMode    = eris.New("unknown queue mode")
	ErrNotQueued      = eris.New("participant not queued")
)

// Mode is a queue flavour. Each mode pairs a fixed party size into one kind
// of match.
type Mode string

const (
	Mode1v1 Mode = "1v1"
	Mode2v2 Mode = "2v2"
)

// Modes lists every supported mode.
var Modes = []Mode{Mode1v1, Mode2v2}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Mode1v1, Mode2v2:
		return m, nil
	}
	return "", eris.Wrapf(ErrUnknownMode, "mode %q", s)
}

// PartySize is how many entries one match consumes.
func (m Mode) PartySize() int {
	switch m {
	case Mode2v2:
		return 4
	default:
		return 2
	}
}

// Kind is the match kind a full party plays.
func (m Mode) Kind() game.Kind {
	if m == Mode2v2 {
		return game.Kind2v2
	}
	return game.Kind1v1
}

// Status of a join.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusMatched Status = "matched"
)

// Result is the synchronous answer to JoinQueue.
type Result struct {
	Status    Status `json:"status"`
	Mode      Mode   `json:"mode"`
	Position  int    `json:"position,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
}

// Entry is one waiting participant.
type Entry struct {
	Participant session.Participant
	EnqueuedAt  time.Time
}

// Sessions is the slice of the registry the queue needs.
type Sessions interface {
	CreateSession(kind game.Kind, participants []session.Participant, opts session.CreateOptions) (int64, error)
	IsPlaying(participantID string) bool
}

// Notification messages pushed to waiting sockets.
const (
	TypeQueued       = "queued"
	TypeMatchFound   = "match_found"
	TypeQueueExpired = "queue_expired"
)

type queuedMessage struct {
	Type     string `json:"type"`
	Mode     Mode   `json:"mode"`
	Position int    `json:"position"`
}

type matchFoundMessage struct {
	Type      string `json:"type"`
	Mode      Mode   `json:"mode"`
	SessionID int64  `json:"session_id"`
}

type expiredMessage struct {
	Type string `json:"type"`
	Mode Mode   `json:"mode"`
}

// Queue holds participants waiting for a match, one FIFO per mode.
//
// Queue calls into Sessions while holding its own lock, so the lock order is
// always queue then registry.
type Queue struct {
	mu      sync.Mutex
	waiting map[Mode][]Entry
	sockets map[string]session.Conn

	sessions Sessions
	clock    clockwork.Clock
	journal  *eventlog.Log
	log      zerolog.Logger
}

// Option tunes a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithJournal records pairings and expiries.
func WithJournal(j *eventlog.Log) Option {
	return func(q *Queue) { q.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l.With().Str("component", "matchmaking").Logger() }
}

// New creates an empty queue that pairs into sessions.
func New(sessions Sessions, opts ...Option) *Queue {
	q := &Queue{
		waiting:  make(map[Mode][]Entry, len(Modes)),
		sockets:  make(map[string]session.Conn),
		sessions: sessions,
		clock:    clockwork.NewRealClock(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// JoinQueue enqueues p. When the mode's party is complete the oldest entries
// are paired into a new session and the caller gets its id.
func (q *Queue) JoinQueue(p session.Participant, mode Mode) (Result, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return Result{}, err
	}
	if p.ID == "" {
		return Result{}, eris.Wrap(session.ErrInvalidParticipants, "empty participant id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if m, ok := q.modeOf(p.ID); ok {
		return Result{}, eris.Wrapf(ErrAlreadyQueued, "%s waiting in %s", p.ID, m)
	}
	if q.sessions.IsPlaying(p.ID) {
		return Result{}, eris.Wrapf(ErrAlreadyPlaying, "%s", p.ID)
	}

	q.waiting[mode] = append(q.waiting[mode], Entry{Participant: p, EnqueuedAt: q.clock.Now()})

	size := mode.PartySize()
	if len(q.waiting[mode]) < size {
		telemetry.SetQueueWaiting(string(mode), len(q.waiting[mode]))
		return Result{Status: StatusQueued, Mode: mode, Position: len(q.waiting[mode])}, nil
	}

	party := q.waiting[mode][:size]
	members := make([]session.Participant, size)
	ids := make([]string, size)
	for i, e := range party {
		members[i] = e.Participant
		ids[i] = e.Participant.ID
	}

	id, err := q.sessions.CreateSession(mode.Kind(), members, session.CreateOptions{})
	if err != nil {
		// Only the caller's entry is withdrawn; everyone else keeps waiting
		q.waiting[mode] = q.waiting[mode][:len(q.waiting[mode])-1]
		telemetry.SetQueueWaiting(string(mode), len(q.waiting[mode]))
		return Result{}, eris.Wrap(err, "create matched session")
	}

	rest := make([]Entry, len(q.waiting[mode])-size)
	copy(rest, q.waiting[mode][size:])
	q.waiting[mode] = rest
	telemetry.SetQueueWaiting(string(mode), len(rest))
	telemetry.QueueMatched(string(mode))

	q.journal.EmitSimple(eventlog.TypeQueueMatched, id, "", eventlog.QueuePayload{Mode: string(mode), Participants: ids})
	q.log.Info().Str("mode", string(mode)).Int64("session", id).Strs("participants", ids).Msg("🤝 match found")

	found := matchFoundMessage{Type: TypeMatchFound, Mode: mode, SessionID: id}
	for _, pid := range ids {
		if conn, ok := q.sockets[pid]; ok {
			q.send(conn, found)
			conn.Close(session.CloseNormal, "match found")
			delete(q.sockets, pid)
		}
	}

	return Result{Status: StatusMatched, Mode: mode, SessionID: id}, nil
}

// QueueStatus returns how many participants wait in mode.
func (q *Queue) QueueStatus(mode Mode) (int, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting[mode]), nil
}

// SaveSocket attaches a notification socket to a waiting participant. A
// socket for someone who is not queued is closed with CloseNotFound.
func (q *Queue) SaveSocket(participantID string, conn session.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mode, ok := q.modeOf(participantID)
	if !ok {
		conn.Close(session.CloseNotFound, "not queued")
		return eris.Wrapf(ErrNotQueued, "%s", participantID)
	}

	if old, ok := q.sockets[participantID]; ok && old.ID() != conn.ID() {
		old.Close(session.CloseDuplicate, "replaced by a newer connection")
	}
	q.sockets[participantID] = conn

	q.send(conn, queuedMessage{Type: TypeQueued, Mode: mode, Position: q.position(mode, participantID)})
	return nil
}

// RemoveSocket forgets conn if it is still the participant's socket.
func (q *Queue) RemoveSocket(participantID string, conn session.Conn) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.sockets[participantID]; ok && cur.ID() == conn.ID() {
		delete(q.sockets, participantID)
	}
}

// Leave withdraws a participant from whichever queue they wait in.
func (q *Queue) Leave(participantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	mode, ok := q.modeOf(participantID)
	if !ok {
		return false
	}

	entries := q.waiting[mode]
	for i, e := range entries {
		if e.Participant.ID == participantID {
			q.waiting[mode] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	telemetry.SetQueueWaiting(string(mode), len(q.waiting[mode]))

	if conn, ok := q.sockets[participantID]; ok {
		conn.Close(session.CloseNormal, "left queue")
		delete(q.sockets, participantID)
	}
	return true
}

// PruneStale drops entries that have waited longer than maxWait, tells their
// sockets, and returns how many were dropped.
func (q *Queue) PruneStale(maxWait time.Duration) int {
	if maxWait <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	pruned := 0
	for _, mode := range Modes {
		entries := q.waiting[mode]
		kept := entries[:0]
		var expired []string
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > maxWait {
				expired = append(expired, e.Participant.ID)
				continue
			}
			kept = append(kept, e)
		}
		q.waiting[mode] = kept
		if len(expired) == 0 {
			continue
		}

		pruned += len(expired)
		telemetry.SetQueueWaiting(string(mode), len(kept))
		q.journal.EmitSimple(eventlog.TypeQueueExpired, 0, "", eventlog.QueuePayload{Mode: string(mode), Participants: expired})

		msg := expiredMessage{Type: TypeQueueExpired, Mode: mode}
		for _, pid := range expired {
			if conn, ok := q.sockets[pid]; ok {
				q.send(conn, msg)
				conn.Close(session.CloseTimeout, "queue wait expired")
				delete(q.sockets, pid)
			}
		}
	}

	if pruned > 0 {
		telemetry.QueueExpired(pruned)
		q.log.Info().Int("expired", pruned).Dur("max_wait", maxWait).Msg("🧹 pruned stale queue entries")
	}
	return pruned
}

// Waiting returns a copy of the entries in mode, oldest first.
func (q *Queue) Waiting(mode Mode) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.waiting[mode]))
	copy(out, q.waiting[mode])
	return out
}

func (q *Queue) modeOf(participantID string) (Mode, bool) {
	for _, mode := range Modes {
		for _, e := range q.waiting[mode] {
			if e.Participant.ID == participantID {
				return mode, true
			}
		}
	}
	return "", false
}

func (q *Queue) position(mode Mode, participantID string) int {
	for i, e := range q.waiting[mode] {
		if e.Participant.ID == participantID {
			return i + 1
		}
	}
	return 0
}

func (q *Queue) send(conn session.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		q.log.Error().Err(err).Msg("encode notification")
		return
	}
	if err := conn.Send(data); err != nil {
		q.log.Debug().Err(err).Str("conn", conn.ID()).Msg("notification write failed")
	}
}
