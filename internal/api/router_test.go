package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddle-arena/internal/matchmaking"
	"paddle-arena/internal/session"
	"paddle-arena/internal/store"
)

// ============================================================================
// Fixture
// ============================================================================

type testAPI struct {
	srv   *httptest.Server
	reg   *session.Registry
	queue *matchmaking.Queue
	clock *clockwork.FakeClock
}

type fakeHistory struct {
	recs  []store.MatchRecord
	board []store.Standing
	err   error
	user  string
	n     int
}

func (f *fakeHistory) Leaderboard(_ context.Context, limit int) ([]store.Standing, error) {
	f.n = limit
	return f.board, f.err
}

func (f *fakeHistory) PlayerHistory(_ context.Context, userID string, limit int) ([]store.MatchRecord, error) {
	f.user, f.n = userID, limit
	return f.recs, f.err
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]store.MatchRecord, error) {
	f.n = n
	return f.recs, f.err
}

func newTestAPI(t *testing.T, mutate func(*RouterConfig)) *testAPI {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := session.NewRegistry(session.RegistryConfig{Clock: clock}, nil, nil, zerolog.Nop())
	q := matchmaking.New(reg, matchmaking.WithClock(clock))

	cfg := RouterConfig{
		Matches: reg,
		Queue:   q,
		RateLimitConfig: &RateLimitConfig{
			RequestsPerSecond: 1000, // High limit for tests
			Burst:             1000,
		},
		DisableLogging: true,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})
	return &testAPI{srv: srv, reg: reg, queue: q, clock: clock}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func createBody(kind string, ids ...string) map[string]any {
	ps := make([]map[string]any, len(ids))
	for i, id := range ids {
		ps[i] = map[string]any{"id": id}
	}
	return map[string]any{"kind": kind, "participants": ps}
}

// ============================================================================
// Matches
// ============================================================================

func TestCreateMatch(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, http.MethodPost, "/api/matches", createBody("1v1", "alice", "bob"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["session_id"])
	assert.Equal(t, "1v1", body["kind"])

	resp, body = a.do(t, http.MethodPost, "/api/matches", createBody("2v2", "a", "b", "c", "d"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(2), body["session_id"])
	assert.Equal(t, 2, a.reg.Len())
}

func TestCreateMatchRejectsBadInput(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := map[string]any{
		"unknown kind":          createBody("3v3", "a", "b"),
		"wrong count":           createBody("1v1", "a"),
		"duplicate participant": createBody("1v1", "a", "a"),
		"tournament without id": createBody("tournament", "a", "b"),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := a.do(t, http.MethodPost, "/api/matches", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}

	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/api/matches", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, a.reg.Len())
}

func TestCreateTournamentMatch(t *testing.T) {
	a := newTestAPI(t, nil)
	body := createBody("tournament", "a", "b")
	body["tournament_id"] = 7

	resp, _ := a.do(t, http.MethodPost, "/api/matches", body, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateMatchWhileShuttingDown(t *testing.T) {
	a := newTestAPI(t, nil)
	a.reg.Shutdown()

	resp, _ := a.do(t, http.MethodPost, "/api/matches", createBody("1v1", "a", "b"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMatchConfig(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodPost, "/api/matches", createBody("1v1", "alice", "bob"), nil)

	resp, body := a.do(t, http.MethodGet, "/api/matches/1/config", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(800), body["width"])
	assert.Equal(t, float64(600), body["height"])
	assert.NotZero(t, body["win_point"])

	resp, _ = a.do(t, http.MethodGet, "/api/matches/42/config", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/matches/abc/config", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMatches(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodPost, "/api/matches", createBody("1v1", "alice", "bob"), nil)

	resp, body := a.do(t, http.MethodGet, "/api/matches", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["live"])
	assert.Equal(t, float64(1), body["waiting"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "waiting", sessions[0].(map[string]any)["state"])
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	resp, body := a.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func TestPlayerHistory(t *testing.T) {
	hist := &fakeHistory{recs: []store.MatchRecord{{ID: 3, SessionID: 9, Kind: "1v1", WinnerTeam: "left"}}}
	a := newTestAPI(t, func(c *RouterConfig) { c.History = hist })

	resp, body := a.do(t, http.MethodGet, "/api/players/alice/matches?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", hist.user)
	assert.Equal(t, 5, hist.n)
	assert.Equal(t, "alice", body["participant_id"])
	assert.Len(t, body["matches"], 1)

	a.do(t, http.MethodGet, "/api/players/alice/matches?limit=100000", nil, nil)
	assert.Equal(t, maxHistoryLimit, hist.n)

	hist.err = eris.New("db down")
	resp, _ = a.do(t, http.MethodGet, "/api/players/alice/matches", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestLeaderboard(t *testing.T) {
	hist := &fakeHistory{board: []store.Standing{{UserID: "alice", Played: 2, Wins: 2, Points: 10, Rank: 1}}}
	a := newTestAPI(t, func(c *RouterConfig) { c.History = hist })

	resp, body := a.do(t, http.MethodGet, "/api/leaderboard", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, hist.n)
	board := body["leaderboard"].([]any)
	require.Len(t, board, 1)
	assert.Equal(t, "alice", board[0].(map[string]any)["user_id"])

	a.do(t, http.MethodGet, "/api/leaderboard?limit=3", nil, nil)
	assert.Equal(t, 3, hist.n)
}

func TestOptionalRoutesNeedBackends(t *testing.T) {
	a := newTestAPI(t, nil)
	resp, _ := a.do(t, http.MethodGet, "/api/players/alice/matches", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = a.do(t, http.MethodGet, "/api/leaderboard", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body := a.do(t, http.MethodGet, "/api/matches/recent", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])
}

func TestUnroutedRequestsGetJSONErrors(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, http.MethodGet, "/api/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "not found", body["error"])

	resp, body = a.do(t, http.MethodPut, "/api/matches", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method not allowed", body["error"])
}

func TestRecentMatches(t *testing.T) {
	recent := &fakeHistory{recs: []store.MatchRecord{{ID: 1}, {ID: 2}}}
	a := newTestAPI(t, func(c *RouterConfig) { c.Recent = recent })

	resp, body := a.do(t, http.MethodGet, "/api/matches/recent", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["matches"], 2)
	assert.Equal(t, defaultHistoryLimit, recent.n)
}

// ============================================================================
// Matchmaking
// ============================================================================

func TestJoinQueuePairsTwoPlayers(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "alice"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(1), body["position"])

	resp, body = a.do(t, http.MethodGet, "/api/matchmaking/1v1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["waiting"])

	resp, body = a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "matched", body["status"])
	assert.Equal(t, float64(1), body["session_id"])
	assert.Equal(t, 1, a.reg.Len())

	resp, _ = a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "bob"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "bob is already playing")
}

func TestJoinQueueErrors(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, _ := a.do(t, http.MethodPost, "/api/matchmaking/5v5/join", map[string]any{"participant_id": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "alice"}, nil)
	resp, _ = a.do(t, http.MethodPost, "/api/matchmaking/2v2/join", map[string]any{"participant_id": "alice"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/matchmaking/9v9/status", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveQueue(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodPost, "/api/matchmaking/2v2/join", map[string]any{"participant_id": "alice"}, nil)

	resp, _ := a.do(t, http.MethodDelete, "/api/matchmaking/2v2/alice", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = a.do(t, http.MethodDelete, "/api/matchmaking/2v2/alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	n, err := a.queue.QueueStatus(matchmaking.Mode2v2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRequiresTicketWhenEnabled(t *testing.T) {
	tickets := NewTicketVerifier("test-secret")
	a := newTestAPI(t, func(c *RouterConfig) { c.Tickets = tickets })

	resp, _ := a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "alice"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ticket, err := tickets.Issue("alice", 0, time.Minute)
	require.NoError(t, err)

	resp, _ = a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{"participant_id": "bob"}, bearer(ticket))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := a.do(t, http.MethodPost, "/api/matchmaking/1v1/join", map[string]any{}, bearer(ticket))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])

	resp, _ = a.do(t, http.MethodDelete, "/api/matchmaking/1v1/alice", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = a.do(t, http.MethodDelete, "/api/matchmaking/1v1/alice", nil, bearer(ticket))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// ============================================================================
// Middleware
// ============================================================================

func TestRateLimitRejects(t *testing.T) {
	a := newTestAPI(t, func(c *RouterConfig) {
		c.RateLimitConfig = &RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	})

	resp, _ := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "too many requests", body["error"])
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	a := newTestAPI(t, func(c *RouterConfig) { c.DisableLogging = false })
	resp, _ := a.do(t, http.MethodGet, "/api/matches/5/config", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}
