package eventlog

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	BufferSize         = 1024                   // ring buffer slots
	MaxEventsPerSec    = 2000                   // global rate limit
	MaxEventsPerKey    = 50                     // per-participant rate limit per second
	BatchFlushSize     = 64                     // events per batch write
	BatchFlushInterval = 100 * time.Millisecond // how often to flush
	LimiterIdleTTL     = 5 * time.Minute        // idle per-participant limiters are dropped after this
)

// Log is a bounded, rate-limited journal written as newline-delimited JSON.
// Emit never blocks on I/O: events go into a ring buffer that a background
// writer drains. When the buffer is full the oldest events are overwritten.
type Log struct {
	mu       sync.Mutex
	buffer   [BufferSize]Event
	head     uint64 // next sequence to assign
	tail     uint64 // oldest unflushed sequence
	limiters map[string]*keyLimiter

	global *rate.Limiter

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	out   io.Writer
	file  *os.File
	outMu sync.Mutex

	log zerolog.Logger

	dropped atomic.Uint64
	total   atomic.Uint64
	onEmit  func(accepted bool)
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Option tunes a Log.
type Option func(*Log)

// WithLogger sets the logger used for write failures.
func WithLogger(l zerolog.Logger) Option {
	return func(el *Log) { el.log = l }
}

// WithEmitHook is called after every Emit with whether the event was kept.
func WithEmitHook(fn func(accepted bool)) Option {
	return func(el *Log) { el.onEmit = fn }
}

// New creates a stopped journal.
func New(opts ...Option) *Log {
	el := &Log{
		global:   rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		limiters: make(map[string]*keyLimiter),
		stopChan: make(chan struct{}),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Open starts the journal appending to path. An empty path keeps the journal
// running but discards output.
func Open(path string, opts ...Option) (*Log, error) {
	el := New(opts...)
	if path == "" {
		el.Start(io.Discard)
		return el, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "open journal %s", path)
	}
	el.file = file
	el.Start(file)
	return el, nil
}

// Start begins the background writer.
func (el *Log) Start(out io.Writer) {
	if el.running.Swap(true) {
		return
	}
	el.out = out
	el.writerWg.Add(1)
	go el.writerLoop()
}

// Stop flushes what is buffered and closes the file.
func (el *Log) Stop() {
	el.stopOnce.Do(func() {
		if !el.running.Swap(false) {
			return
		}
		close(el.stopChan)
		el.writerWg.Wait()

		el.outMu.Lock()
		if el.file != nil {
			if err := el.file.Close(); err != nil {
				el.log.Warn().Err(err).Msg("journal close failed")
			}
		}
		el.outMu.Unlock()
	})
}

// Emit buffers an event. It returns false when the journal is stopped or the
// event was rate limited.
func (el *Log) Emit(event Event) bool {
	if el == nil {
		return false
	}
	ok := el.emit(event)
	if ok {
		el.total.Add(1)
	} else {
		el.dropped.Add(1)
	}
	if el.onEmit != nil {
		el.onEmit(ok)
	}
	return ok
}

func (el *Log) emit(event Event) bool {
	if !el.running.Load() {
		return false
	}
	if !el.global.Allow() {
		return false
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	if event.ParticipantID != "" && !el.limiterFor(event.ParticipantID).Allow() {
		return false
	}

	if el.head-el.tail >= BufferSize {
		// Overwrite the oldest entry rather than block the caller
		el.tail++
		el.dropped.Add(1)
	}

	event.Sequence = el.head
	el.buffer[el.head%BufferSize] = event
	el.head++
	return true
}

// EmitSimple builds and emits an event.
func (el *Log) EmitSimple(t Type, sessionID int64, participantID string, payload any) bool {
	return el.Emit(NewEvent(t, sessionID, participantID, payload))
}

// limiterFor must be called with mu held.
func (el *Log) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	if entry, ok := el.limiters[key]; ok {
		entry.lastUsed = now
		return entry.limiter
	}
	entry := &keyLimiter{
		limiter:  rate.NewLimiter(MaxEventsPerKey, MaxEventsPerKey/10),
		lastUsed: now,
	}
	el.limiters[key] = entry
	return entry.limiter
}

// CleanupLimiters drops per-participant limiters idle for longer than
// LimiterIdleTTL and returns how many were removed.
func (el *Log) CleanupLimiters() int {
	cutoff := time.Now().Add(-LimiterIdleTTL)

	el.mu.Lock()
	defer el.mu.Unlock()

	removed := 0
	for key, entry := range el.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(el.limiters, key)
			removed++
		}
	}
	return removed
}

func (el *Log) writerLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, BatchFlushSize)

	for {
		select {
		case <-el.stopChan:
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}
		case <-ticker.C:
			batch = el.collectBatch(batch[:0])
			if len(batch) > 0 {
				el.flushBatch(batch)
			}
		}
	}
}

// Flush writes everything buffered so far. Used on shutdown paths and tests.
func (el *Log) Flush() {
	batch := make([]Event, 0, BatchFlushSize)
	for {
		batch = el.collectBatch(batch[:0])
		if len(batch) == 0 {
			return
		}
		el.flushBatch(batch)
	}
}

func (el *Log) collectBatch(batch []Event) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()

	for el.tail < el.head && len(batch) < BatchFlushSize {
		batch = append(batch, el.buffer[el.tail%BufferSize])
		el.tail++
	}
	return batch
}

func (el *Log) flushBatch(batch []Event) {
	el.outMu.Lock()
	defer el.outMu.Unlock()

	if el.out == nil {
		return
	}

	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := el.out.Write(data); err != nil {
			el.log.Warn().Err(err).Msg("journal write failed")
			return
		}
	}
}

// Stats holds journal counters.
type Stats struct {
	Total   uint64 `json:"total"`
	Dropped uint64 `json:"dropped"`
	Pending uint64 `json:"pending"`
	Running bool   `json:"running"`
}

// Stats returns the journal counters.
func (el *Log) Stats() Stats {
	el.mu.Lock()
	pending := el.head - el.tail
	el.mu.Unlock()

	return Stats{
		Total:   el.total.Load(),
		Dropped: el.dropped.Load(),
		Pending: pending,
		Running: el.running.Load(),
	}
}
