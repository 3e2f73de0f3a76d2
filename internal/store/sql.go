package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers "sqlite"
)

var ErrMatchNotFound = eris.New("match not found")

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
	sqlx.BindDriver(DriverPostgres, sqlx.DOLLAR)
}

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			tournament_id INTEGER,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			winner_team TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS match_players (
			match_id INTEGER NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			team TEXT NOT NULL,
			slot TEXT NOT NULL,
			score INTEGER NOT NULL,
			winner BOOLEAN NOT NULL,
			PRIMARY KEY (match_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS match_players_user ON match_players(user_id)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS matches (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			tournament_id BIGINT,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			winner_team TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS match_players (
			match_id BIGINT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			team TEXT NOT NULL,
			slot TEXT NOT NULL,
			score INTEGER NOT NULL,
			winner BOOLEAN NOT NULL,
			PRIMARY KEY (match_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS match_players_user ON match_players(user_id)`,
	},
}

// SQLRepository stores finished matches in SQLite or Postgres.
type SQLRepository struct {
	db *sqlx.DB
}

type matchRow struct {
	ID           int64         `db:"id"`
	SessionID    int64         `db:"session_id"`
	Kind         string        `db:"kind"`
	TournamentID sql.NullInt64 `db:"tournament_id"`
	CreatedAt    int64         `db:"created_at"`
	StartedAt    int64         `db:"started_at"`
	EndedAt      int64         `db:"ended_at"`
	WinnerTeam   string        `db:"winner_team"`
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQL connects, pings and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, eris.Errorf("unsupported storage driver %q", driver)
	}
	if dsn == "" {
		return nil, eris.New("storage dsn is required")
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "connect %s", driver)
	}
	if driver == DriverSQLite {
		// One writer at a time keeps in-memory databases on a single connection
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, eris.Wrap(err, "apply schema")
		}
	}
	return &SQLRepository{db: db}, nil
}

// Close closes the database handle.
func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping checks the connection.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SaveMatch writes the match row and its player rows in one transaction and
// returns the new match id.
func (r *SQLRepository) SaveMatch(ctx context.Context, rec MatchRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var tournament sql.NullInt64
	if rec.TournamentID != nil {
		tournament = sql.NullInt64{Int64: *rec.TournamentID, Valid: true}
	}

	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO matches
		(session_id, kind, tournament_id, created_at, started_at, ended_at, winner_team)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		rec.SessionID, rec.Kind, tournament,
		toMillis(rec.CreatedAt), toMillis(rec.StartedAt), toMillis(rec.EndedAt),
		rec.WinnerTeam,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "insert match")
	}

	insertPlayer := tx.Rebind(`INSERT INTO match_players
		(match_id, user_id, team, slot, score, winner) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, p := range rec.Players {
		if _, err := tx.ExecContext(ctx, insertPlayer, id, p.UserID, p.Team, p.Slot, p.Score, p.Winner); err != nil {
			return 0, eris.Wrapf(err, "insert player %s", p.UserID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "commit")
	}
	return id, nil
}

// LoadMatch reads one stored match with its players.
func (r *SQLRepository) LoadMatch(ctx context.Context, id int64) (MatchRecord, error) {
	var row matchRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM matches WHERE id = ?`), id)
	if eris.Is(err, sql.ErrNoRows) {
		return MatchRecord{}, eris.Wrapf(ErrMatchNotFound, "match %d", id)
	}
	if err != nil {
		return MatchRecord{}, eris.Wrap(err, "select match")
	}

	rec := row.record()
	if err := r.db.SelectContext(ctx, &rec.Players, r.db.Rebind(
		`SELECT user_id, team, slot, score, winner FROM match_players WHERE match_id = ? ORDER BY slot`), id); err != nil {
		return MatchRecord{}, eris.Wrap(err, "select players")
	}
	return rec, nil
}

// PlayerHistory returns the most recent matches a user took part in, newest
// first.
func (r *SQLRepository) PlayerHistory(ctx context.Context, userID string, limit int) ([]MatchRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var rows []matchRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT m.* FROM matches m
		JOIN match_players p ON p.match_id = m.id
		WHERE p.user_id = ?
		ORDER BY m.ended_at DESC, m.id DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "select history")
	}

	out := make([]MatchRecord, 0, len(rows))
	for _, row := range rows {
		rec := row.record()
		if err := r.db.SelectContext(ctx, &rec.Players, r.db.Rebind(
			`SELECT user_id, team, slot, score, winner FROM match_players WHERE match_id = ? ORDER BY slot`), row.ID); err != nil {
			return nil, eris.Wrap(err, "select players")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (row matchRow) record() MatchRecord {
	rec := MatchRecord{
		ID:         row.ID,
		SessionID:  row.SessionID,
		Kind:       row.Kind,
		CreatedAt:  fromMillis(row.CreatedAt),
		StartedAt:  fromMillis(row.StartedAt),
		EndedAt:    fromMillis(row.EndedAt),
		WinnerTeam: row.WinnerTeam,
	}
	if row.TournamentID.Valid {
		t := row.TournamentID.Int64
		rec.TournamentID = &t
	}
	return rec
}

// Standing is one participant's line on the leaderboard.
type Standing struct {
	UserID string `json:"user_id" db:"user_id"`
	Played int    `json:"played" db:"played"`
	Wins   int    `json:"wins" db:"wins"`
	Points int    `json:"points" db:"points"`
	Rank   int    `json:"rank" db:"-"`
}

// Leaderboard ranks participants by wins, then points scored, then user id.
func (r *SQLRepository) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var out []Standing
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT user_id,
			COUNT(*) AS played,
			SUM(CASE WHEN winner THEN 1 ELSE 0 END) AS wins,
			SUM(score) AS points
		FROM match_players
		GROUP BY user_id
		ORDER BY wins DESC, points DESC, user_id
		LIMIT ?`), limit)
	if err != nil {
		return nil, eris.Wrap(err, "select leaderboard")
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
