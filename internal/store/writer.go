package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"paddle-arena/internal/telemetry"
)

// Publisher announces a stored match to other services.
type Publisher interface {
	Publish(ctx context.Context, rec MatchRecord) error
}

// Writer takes finished matches off the scheduler and saves them with a small
// worker pool. Persist never blocks: when the buffer is full the record is
// dropped and counted.
type Writer struct {
	records   chan job
	repo      Repository
	publisher Publisher
	workers   int
	timeout   time.Duration
	wg        sync.WaitGroup
	running   atomic.Bool
	stopChan  chan struct{}
	log       zerolog.Logger

	enqueued    atomic.Uint64
	saved       atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	avgWaitTime atomic.Int64 // nanoseconds, exponential moving average
}

type job struct {
	rec        MatchRecord
	receivedAt time.Time
}

// WriterConfig holds configuration for the writer.
type WriterConfig struct {
	BufferSize  int           // records to buffer (default: 128)
	Workers     int           // worker goroutines (default: 2)
	SaveTimeout time.Duration // per-record deadline (default: 5s)
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BufferSize:  128,
		Workers:     2,
		SaveTimeout: 5 * time.Second,
	}
}

// NewWriter creates a stopped writer. publisher may be nil.
func NewWriter(repo Repository, publisher Publisher, cfg WriterConfig, log zerolog.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}

	return &Writer{
		records:   make(chan job, cfg.BufferSize),
		repo:      repo,
		publisher: publisher,
		workers:   cfg.Workers,
		timeout:   cfg.SaveTimeout,
		stopChan:  make(chan struct{}),
		log:       log.With().Str("component", "writer").Logger(),
	}
}

// Start launches the worker pool.
func (w *Writer) Start() {
	if w.running.Swap(true) {
		return
	}

	w.log.Info().Int("workers", w.workers).Int("buffer", cap(w.records)).Msg("🚀 match writer starting")

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
}

// Stop saves whatever is already buffered, then stops the workers.
func (w *Writer) Stop() {
	if !w.running.Swap(false) {
		return
	}

	close(w.stopChan)
	w.wg.Wait()

	st := w.Stats()
	w.log.Info().Uint64("enqueued", st.Enqueued).Uint64("saved", st.Saved).
		Uint64("failed", st.Failed).Uint64("dropped", st.Dropped).Msg("📊 match writer stopped")
}

// Persist hands a record to the pool. It returns false if the writer is not
// running or its buffer is full.
func (w *Writer) Persist(rec MatchRecord) bool {
	if !w.running.Load() {
		w.drop(rec, "writer stopped")
		return false
	}

	select {
	case w.records <- job{rec: rec, receivedAt: time.Now()}:
		w.enqueued.Add(1)
		return true
	default:
		w.drop(rec, "buffer full")
		return false
	}
}

func (w *Writer) drop(rec MatchRecord, reason string) {
	n := w.dropped.Add(1)
	telemetry.RecordPersist("dropped")
	if n%100 == 1 {
		w.log.Warn().Int64("session", rec.SessionID).Str("reason", reason).Uint64("total_dropped", n).
			Msg("⚠️ match record dropped")
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			for {
				select {
				case j := <-w.records:
					w.save(j)
				default:
					return
				}
			}
		case j := <-w.records:
			w.save(j)
		}
	}
}

func (w *Writer) save(j job) {
	wait := time.Since(j.receivedAt)
	w.updateAvgWaitTime(wait)
	if wait > time.Second {
		w.log.Warn().Int64("session", j.rec.SessionID).Dur("waited", wait).Msg("⚠️ match record waited in queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	id, err := w.repo.SaveMatch(ctx, j.rec)
	if err != nil {
		w.failed.Add(1)
		telemetry.RecordPersist("failed")
		w.log.Error().Err(err).Int64("session", j.rec.SessionID).Msg("❌ failed to persist match")
		return
	}
	w.saved.Add(1)
	telemetry.RecordPersist("saved")

	j.rec.ID = id
	w.log.Debug().Int64("session", j.rec.SessionID).Int64("match", id).Msg("💾 match persisted")

	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, j.rec); err != nil {
		telemetry.RecordPublishFailure()
		w.log.Warn().Err(err).Int64("match", id).Msg("⚠️ failed to publish match result")
	}
}

func (w *Writer) updateAvgWaitTime(wait time.Duration) {
	current := w.avgWaitTime.Load()
	w.avgWaitTime.Store((current*9 + wait.Nanoseconds()) / 10)
}

// WriterStats holds writer metrics.
type WriterStats struct {
	Enqueued      uint64  `json:"enqueued"`
	Saved         uint64  `json:"saved"`
	Failed        uint64  `json:"failed"`
	Dropped       uint64  `json:"dropped"`
	Pending       uint64  `json:"pending"`
	BufferSize    uint64  `json:"buffer_size"`
	AvgWaitTimeMs float64 `json:"avg_wait_time_ms"`
}

// Stats returns current writer statistics.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Enqueued:      w.enqueued.Load(),
		Saved:         w.saved.Load(),
		Failed:        w.failed.Load(),
		Dropped:       w.dropped.Load(),
		Pending:       uint64(len(w.records)),
		BufferSize:    uint64(cap(w.records)),
		AvgWaitTimeMs: float64(w.avgWaitTime.Load()) / 1e6,
	}
}
