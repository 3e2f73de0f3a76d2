package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"paddle-arena/internal/game"
	"paddle-arena/internal/matchmaking"
	"paddle-arena/internal/session"
	"paddle-arena/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxBodyBytes        = 64 << 10
)

type participantBody struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot,omitempty"`
}

type createMatchRequest struct {
	Kind         string            `json:"kind"`
	Participants []participantBody `json:"participants"`
	TournamentID *int64            `json:"tournament_id,omitempty"`
}

type createMatchResponse struct {
	SessionID int64     `json:"session_id"`
	Kind      game.Kind `json:"kind"`
}

type joinQueueRequest struct {
	ParticipantID string `json:"participant_id"`
}

// handleCreateMatch registers a new session for a known set of participants.
func (h *routerHandlers) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	kind, err := game.ParseKind(req.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if kind == game.KindTournament && req.TournamentID == nil {
		writeError(w, "tournament_id is required for tournament matches", http.StatusBadRequest)
		return
	}

	participants := make([]session.Participant, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = session.Participant{ID: p.ID, Bot: p.Bot}
	}

	id, err := h.matches.CreateSession(kind, participants, session.CreateOptions{TournamentID: req.TournamentID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, createMatchResponse{SessionID: id, Kind: kind})
}

func (h *routerHandlers) handleListMatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.matches.Stats())
}

func (h *routerHandlers) handleMatchConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	conf, err := h.matches.Config(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, conf)
}

func (h *routerHandlers) handleRecentMatches(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	recs, err := h.recent.Recent(ctx, queryLimit(r))
	if err != nil {
		h.log.Error().Err(err).Msg("❌ Failed to read recent matches")
		writeError(w, "recent matches unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"matches": recs})
}

func (h *routerHandlers) handlePlayerHistory(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participant_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	recs, err := h.history.PlayerHistory(ctx, participantID, queryLimit(r))
	if err != nil {
		h.log.Error().Err(err).Str("participant", participantID).Msg("❌ Failed to load match history")
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.MatchRecord{}
	}
	writeJSON(w, map[string]any{"participant_id": participantID, "matches": recs})
}

func (h *routerHandlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := 10
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, maxHistoryLimit)
	}
	board, err := h.history.Leaderboard(ctx, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ Failed to load leaderboard")
		writeError(w, "leaderboard unavailable", http.StatusInternalServerError)
		return
	}
	if board == nil {
		board = []store.Standing{}
	}
	writeJSON(w, map[string]any{"leaderboard": board})
}

// handleJoinQueue enqueues the caller. With tickets enabled the body's
// participant id must match the ticket subject; it may then be omitted.
func (h *routerHandlers) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}

	var req joinQueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pid, ok := h.authorize(w, r, req.ParticipantID)
	if !ok {
		return
	}

	res, err := h.queue.JoinQueue(session.Participant{ID: pid}, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *routerHandlers) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := modeParam(w, r); !ok {
		return
	}
	pid, ok := h.authorize(w, r, chi.URLParam(r, "participant_id"))
	if !ok {
		return
	}
	if !h.queue.Leave(pid) {
		writeDomainError(w, matchmaking.ErrNotQueued)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}
	n, err := h.queue.QueueStatus(mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"mode": mode, "waiting": n})
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": h.matches.Len(),
		"sockets":  h.ws.Active(),
	})
}

// handleMatchSocket attaches a socket to a live session. Players identify
// themselves with a join message; everyone else sends view.
func (h *routerHandlers) handleMatchSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	claims, err := h.tickets.Authenticate(r)
	if err != nil {
		writeError(w, "invalid ticket", http.StatusUnauthorized)
		return
	}
	if claims.SessionID != 0 && claims.SessionID != id {
		writeError(w, "ticket is for another match", http.StatusForbidden)
		return
	}

	h.ws.serve(w, r, claims.Subject,
		func(c *wsConn) bool { return h.matches.Connect(id, c) },
		func(c *wsConn, msg []byte) { h.matches.Dispatch(id, c, msg) },
		func(c *wsConn) { h.matches.Closed(id, c) },
	)
}

// handleQueueSocket is the push channel for a queued participant.
func (h *routerHandlers) handleQueueSocket(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.authorize(w, r, r.URL.Query().Get("participant_id"))
	if !ok {
		return
	}

	h.ws.serve(w, r, pid,
		func(c *wsConn) bool { return h.queue.SaveSocket(pid, c) == nil },
		func(*wsConn, []byte) {},
		func(c *wsConn) { h.queue.RemoveSocket(pid, c) },
	)
}

// authorize resolves the acting participant. With tickets enabled the ticket
// subject wins and a conflicting claimed id is forbidden.
func (h *routerHandlers) authorize(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	if h.tickets == nil {
		if claimed == "" {
			writeError(w, "participant_id is required", http.StatusBadRequest)
			return "", false
		}
		return claimed, true
	}

	claims, err := h.tickets.Authenticate(r)
	if err != nil {
		writeError(w, "invalid ticket", http.StatusUnauthorized)
		return "", false
	}
	if claimed != "" && claimed != claims.Subject {
		writeError(w, "ticket does not match participant", http.StatusForbidden)
		return "", false
	}
	return claims.Subject, true
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid match id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func modeParam(w http.ResponseWriter, r *http.Request) (matchmaking.Mode, bool) {
	mode, err := matchmaking.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeDomainError(w, err)
		return "", false
	}
	return mode, true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	return min(n, maxHistoryLimit)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeDomainError maps package errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case eris.Is(err, session.ErrNotFound), eris.Is(err, matchmaking.ErrNotQueued):
		code = http.StatusNotFound
	case eris.Is(err, matchmaking.ErrAlreadyQueued), eris.Is(err, matchmaking.ErrAlreadyPlaying):
		code = http.StatusConflict
	case eris.Is(err, matchmaking.ErrUnknownMode), eris.Is(err, game.ErrUnknownKind), eris.Is(err, game.ErrInvalidConf),
		eris.Is(err, session.ErrInvalidParticipants):
		code = http.StatusBadRequest
	case eris.Is(err, session.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}

	msg := "internal error"
	if code != http.StatusInternalServerError {
		msg = err.Error()
	}
	writeError(w, msg, code)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
