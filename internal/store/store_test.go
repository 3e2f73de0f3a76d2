package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(sessionID int64) MatchRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return MatchRecord{
		SessionID:  sessionID,
		Kind:       "1v1",
		CreatedAt:  start.Add(-5 * time.Second),
		StartedAt:  start,
		EndedAt:    start.Add(90 * time.Second),
		WinnerTeam: "left",
		Players: []PlayerRow{
			{UserID: "alice", Team: "left", Slot: "left", Score: 5, Winner: true},
			{UserID: "bob", Team: "right", Slot: "right", Score: 3},
		},
	}
}

func openTestDB(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestValidate(t *testing.T) {
	ok := sampleRecord(1)
	require.NoError(t, ok.Validate())

	tests := map[string]func(r *MatchRecord){
		"no kind":       func(r *MatchRecord) { r.Kind = "" },
		"never started": func(r *MatchRecord) { r.StartedAt = time.Time{} },
		"ends early":    func(r *MatchRecord) { r.EndedAt = r.StartedAt.Add(-time.Second) },
		"no winner":     func(r *MatchRecord) { r.WinnerTeam = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord(1)
			mutate(&rec)
			assert.True(t, eris.Is(rec.Validate(), ErrInvalidRecord))
		})
	}
}

func TestSQLSaveAndLoad(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	tournament := int64(12)
	rec := sampleRecord(7)
	rec.Kind = "tournament"
	rec.TournamentID = &tournament

	id, err := repo.SaveMatch(ctx, rec)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := repo.LoadMatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, int64(7), got.SessionID)
	assert.Equal(t, "tournament", got.Kind)
	require.NotNil(t, got.TournamentID)
	assert.Equal(t, tournament, *got.TournamentID)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.True(t, rec.EndedAt.Equal(got.EndedAt))
	require.Len(t, got.Players, 2)
	assert.Equal(t, rec.Players[0], got.Players[0])
	assert.Equal(t, rec.Players[1], got.Players[1])

	_, err = repo.LoadMatch(ctx, id+1)
	assert.True(t, eris.Is(err, ErrMatchNotFound))
}

func TestSQLSaveIsAtomic(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	rec := sampleRecord(1)
	rec.Players = append(rec.Players, rec.Players[0]) // duplicate primary key
	_, err := repo.SaveMatch(ctx, rec)
	require.Error(t, err)

	var matches int
	require.NoError(t, repo.db.GetContext(ctx, &matches, `SELECT COUNT(*) FROM matches`))
	assert.Zero(t, matches, "match row rolled back with its players")
}

func TestSQLRejectsInvalidRecord(t *testing.T) {
	repo := openTestDB(t)
	rec := sampleRecord(1)
	rec.WinnerTeam = ""
	_, err := repo.SaveMatch(context.Background(), rec)
	assert.True(t, eris.Is(err, ErrInvalidRecord))
}

func TestSQLPlayerHistory(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		rec := sampleRecord(i)
		rec.EndedAt = rec.EndedAt.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			rec.Players[1].UserID = "carol"
		}
		_, err := repo.SaveMatch(ctx, rec)
		require.NoError(t, err)
	}

	history, err := repo.PlayerHistory(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].SessionID)
	assert.Equal(t, int64(1), history[1].SessionID)

	history, err = repo.PlayerHistory(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3), history[0].SessionID)
}

func TestSQLLeaderboard(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		rec := sampleRecord(i)
		if i == 2 {
			rec.Players[1].UserID = "carol"
		}
		_, err := repo.SaveMatch(ctx, rec)
		require.NoError(t, err)
	}

	board, err := repo.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, Standing{UserID: "alice", Played: 3, Wins: 3, Points: 15, Rank: 1}, board[0])
	assert.Equal(t, Standing{UserID: "bob", Played: 2, Wins: 0, Points: 6, Rank: 2}, board[1])
	assert.Equal(t, "carol", board[2].UserID)

	board, err = repo.Leaderboard(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, board, 1)
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "oracle", "x")
	require.Error(t, err)
	_, err = OpenSQL(context.Background(), DriverSQLite, "")
	require.Error(t, err)
}

type fakeRepo struct {
	mu    sync.Mutex
	saved []MatchRecord
	err   error
}

func (r *fakeRepo) SaveMatch(_ context.Context, rec MatchRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.saved = append(r.saved, rec)
	return int64(len(r.saved)), nil
}

type fakePublisher struct {
	mu   sync.Mutex
	recs []MatchRecord
}

func (p *fakePublisher) Publish(_ context.Context, rec MatchRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

func TestWriterSavesAndPublishes(t *testing.T) {
	repo, pub := &fakeRepo{}, &fakePublisher{}
	w := NewWriter(repo, pub, WriterConfig{Workers: 2, BufferSize: 8}, zerolog.Nop())
	w.Start()

	for i := int64(1); i <= 5; i++ {
		require.True(t, w.Persist(sampleRecord(i)))
	}
	w.Stop()

	st := w.Stats()
	assert.Equal(t, uint64(5), st.Enqueued)
	assert.Equal(t, uint64(5), st.Saved)
	assert.Len(t, repo.saved, 5)
	require.Len(t, pub.recs, 5)
	for _, rec := range pub.recs {
		assert.NotZero(t, rec.ID, "published records carry the stored id")
	}
}

func TestWriterSwallowsFailures(t *testing.T) {
	repo := &fakeRepo{err: errors.New("disk full")}
	pub := &fakePublisher{}
	w := NewWriter(repo, pub, WriterConfig{}, zerolog.Nop())
	w.Start()
	require.True(t, w.Persist(sampleRecord(1)))
	w.Stop()

	assert.Equal(t, uint64(1), w.Stats().Failed)
	assert.Empty(t, pub.recs)
}

func TestWriterNeverBlocks(t *testing.T) {
	w := NewWriter(&fakeRepo{}, nil, WriterConfig{BufferSize: 1}, zerolog.Nop())
	assert.False(t, w.Persist(sampleRecord(1)), "stopped writer rejects")

	// Running without workers so the buffer stays full.
	w.running.Store(true)
	assert.True(t, w.Persist(sampleRecord(2)))
	assert.False(t, w.Persist(sampleRecord(3)))
	assert.Equal(t, uint64(2), w.Stats().Dropped)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewRedisPublisherFromClient(client, "")
	t.Cleanup(func() { _ = pub.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, DefaultResultsChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rec := sampleRecord(9)
	rec.ID = 4
	require.NoError(t, pub.Publish(ctx, rec))

	select {
	case msg := <-sub.Channel():
		var got MatchRecord
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, int64(4), got.ID)
		assert.Equal(t, "left", got.WinnerTeam)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	recent, err := pub.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(9), recent[0].SessionID)
}

func TestRedisPublisherTrimsRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewRedisPublisher("redis://"+mr.Addr(), "results")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	ctx := context.Background()
	require.NoError(t, pub.Ping(ctx))

	for i := int64(1); i <= recentLimit+5; i++ {
		require.NoError(t, pub.Publish(ctx, sampleRecord(i)))
	}
	recent, err := pub.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, recentLimit)
	assert.Equal(t, int64(recentLimit+5), recent[0].SessionID)

	_, err = NewRedisPublisher("not a url", "")
	assert.Error(t, err)
}
