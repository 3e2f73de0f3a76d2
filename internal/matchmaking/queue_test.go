package matchmaking

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddle-arena/internal/game"
	"paddle-arena/internal/session"
)

type recConn struct {
	mu     sync.Mutex
	id     string
	sent   []map[string]any
	closed int
}

func (c *recConn) ID() string { return c.id }

func (c *recConn) Send(msg []byte) error {
	var v map[string]any
	if err := json.Unmarshal(msg, &v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *recConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == 0 {
		c.closed = code
	}
}

func (c *recConn) lastType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]["type"].(string)
}

func newTestQueue(t *testing.T) (*Queue, *session.Registry, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	reg := session.NewRegistry(session.RegistryConfig{Clock: fc}, nil, nil, zerolog.Nop())
	return New(reg, WithClock(fc), WithLogger(zerolog.Nop())), reg, fc
}

func p(id string) session.Participant { return session.Participant{ID: id} }

func TestScenarioOneVersusOnePairing(t *testing.T) {
	q, reg, _ := newTestQueue(t)

	res, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position)

	n, err := q.QueueStatus(Mode1v1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, reg.Len())

	res, err = q.JoinQueue(p("bob"), Mode1v1)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.NotZero(t, res.SessionID)

	n, _ = q.QueueStatus(Mode1v1)
	assert.Zero(t, n)
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.IsPlaying("alice"))
	assert.True(t, reg.IsPlaying("bob"))

	conf, err := reg.Config(res.SessionID)
	require.NoError(t, err)
	want, _ := game.DefaultConf(game.Kind1v1)
	assert.Equal(t, want, conf)
}

func TestDuplicateJoinRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.JoinQueue(p("alice"), Mode2v2)
	require.NoError(t, err)
	_, err = q.JoinQueue(p("alice"), Mode2v2)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAlreadyQueued))

	_, err = q.JoinQueue(p("alice"), Mode1v1)
	assert.True(t, eris.Is(err, ErrAlreadyQueued), "one queue at a time")

	n, _ := q.QueueStatus(Mode2v2)
	assert.Equal(t, 1, n)
	n, _ = q.QueueStatus(Mode1v1)
	assert.Zero(t, n)
}

func TestAlreadyPlayingRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)
	_, err = q.JoinQueue(p("bob"), Mode1v1)
	require.NoError(t, err)

	_, err = q.JoinQueue(p("alice"), Mode1v1)
	assert.True(t, eris.Is(err, ErrAlreadyPlaying))
}

func TestUnknownMode(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), "3v3")
	assert.True(t, eris.Is(err, ErrUnknownMode))
	_, err = q.QueueStatus("ffa")
	assert.True(t, eris.Is(err, ErrUnknownMode))
}

func TestTwoVersusTwoPairsOldestFour(t *testing.T) {
	q, reg, fc := newTestQueue(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		fc.Advance(time.Second)
		res, err := q.JoinQueue(p(id), Mode2v2)
		require.NoError(t, err)
		if i == 3 {
			assert.Equal(t, StatusMatched, res.Status)
		} else {
			assert.Equal(t, StatusQueued, res.Status)
		}
	}

	waiting := q.Waiting(Mode2v2)
	require.Len(t, waiting, 1)
	assert.Equal(t, "e", waiting[0].Participant.ID)

	st := reg.Stats()
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, game.Kind2v2, st.Sessions[0].Kind)
	assert.Equal(t, []string{"a", "b", "c", "d"}, st.Sessions[0].Participants)
}

func TestMatchFoundPushedToSavedSockets(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)

	ca := &recConn{id: "a"}
	require.NoError(t, q.SaveSocket("alice", ca))
	assert.Equal(t, TypeQueued, ca.lastType())
	assert.Equal(t, float64(1), ca.sent[0]["position"])

	res, err := q.JoinQueue(p("bob"), Mode1v1)
	require.NoError(t, err)

	assert.Equal(t, TypeMatchFound, ca.lastType())
	assert.Equal(t, float64(res.SessionID), ca.sent[1]["session_id"])
	assert.Equal(t, session.CloseNormal, ca.closed)
}

func TestSaveSocketRequiresQueuedParticipant(t *testing.T) {
	q, _, _ := newTestQueue(t)
	c := &recConn{id: "x"}
	err := q.SaveSocket("ghost", c)
	assert.True(t, eris.Is(err, ErrNotQueued))
	assert.Equal(t, session.CloseNotFound, c.closed)
}

func TestSaveSocketReplacesOlder(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)

	old, fresh := &recConn{id: "1"}, &recConn{id: "2"}
	require.NoError(t, q.SaveSocket("alice", old))
	require.NoError(t, q.SaveSocket("alice", fresh))
	assert.Equal(t, session.CloseDuplicate, old.closed)
	assert.Zero(t, fresh.closed)

	q.RemoveSocket("alice", old)
	_, err = q.JoinQueue(p("bob"), Mode1v1)
	require.NoError(t, err)
	assert.Equal(t, TypeMatchFound, fresh.lastType())
}

func TestLeave(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)
	c := &recConn{id: "a"}
	require.NoError(t, q.SaveSocket("alice", c))

	assert.True(t, q.Leave("alice"))
	assert.False(t, q.Leave("alice"))
	assert.Equal(t, session.CloseNormal, c.closed)

	n, _ := q.QueueStatus(Mode1v1)
	assert.Zero(t, n)

	res, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
}

func TestPruneStale(t *testing.T) {
	q, _, fc := newTestQueue(t)
	_, err := q.JoinQueue(p("old"), Mode1v1)
	require.NoError(t, err)
	c := &recConn{id: "o"}
	require.NoError(t, q.SaveSocket("old", c))

	fc.Advance(4 * time.Minute)
	_, err = q.JoinQueue(p("young"), Mode2v2)
	require.NoError(t, err)
	fc.Advance(2 * time.Minute)

	assert.Equal(t, 1, q.PruneStale(5*time.Minute))
	assert.Equal(t, TypeQueueExpired, c.lastType())
	assert.Equal(t, session.CloseTimeout, c.closed)

	n, _ := q.QueueStatus(Mode1v1)
	assert.Zero(t, n)
	n, _ = q.QueueStatus(Mode2v2)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.PruneStale(0))
}

func TestCreateFailureLeavesQueueUntouched(t *testing.T) {
	q, reg, _ := newTestQueue(t)
	_, err := q.JoinQueue(p("alice"), Mode1v1)
	require.NoError(t, err)

	reg.Shutdown()
	_, err = q.JoinQueue(p("bob"), Mode1v1)
	require.Error(t, err)
	assert.True(t, eris.Is(err, session.ErrShuttingDown))

	waiting := q.Waiting(Mode1v1)
	require.Len(t, waiting, 1)
	assert.Equal(t, "alice", waiting[0].Participant.ID)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("2v2")
	require.NoError(t, err)
	assert.Equal(t, 4, m.PartySize())
	assert.Equal(t, game.Kind2v2, m.Kind())
	assert.Equal(t, 2, Mode1v1.PartySize())
}
