// Package persistence buffers audit-trail rows so emitting an event never
// costs a synchronous disk write.
package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/pkg/db"
)

const (
	defaultMaxSize  = 50
	defaultInterval = 500 * time.Millisecond
	flushTimeout    = 5 * time.Second

	// maxBacklog bounds the re-queue growth while the store is down. The
	// oldest rows are shed first.
	maxBacklog = 1000
)

// BatchWriter collects event rows and writes them to event_log in one
// transaction per flush. It satisfies events.AuditWriter: Record enqueues
// and wakes the flush loop, it never touches the database itself.
type BatchWriter struct {
	store    *db.Database
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []db.EventLogEntry

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	rows      atomic.Uint64
	batches   atomic.Uint64
	errors    atomic.Uint64
	lastFlush atomic.Int64
}

// Stats is the snapshot the admin surface shows.
type Stats struct {
	Rows      uint64    `json:"rows"`
	Batches   uint64    `json:"batches"`
	Errors    uint64    `json:"errors"`
	Pending   int       `json:"pending"`
	LastFlush time.Time `json:"last_flush"`
}

// NewBatchWriter starts the flush loop. A full buffer or the interval
// ticking flushes, whichever comes first.
func NewBatchWriter(store *db.Database, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	w := &BatchWriter{
		store:    store,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]db.EventLogEntry, 0, maxSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record enqueues one audit row stamped with the emit time.
func (w *BatchWriter) Record(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("audit payload not serializable")
		body = []byte(`{}`)
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, db.EventLogEntry{
		Event:     event,
		Payload:   string(body),
		CreatedAt: time.Now().UTC(),
	})
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything buffered so far in one transaction. Rows are
// re-queued in order on failure so a transient store error loses nothing.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buffer
	w.buffer = make([]db.EventLogEntry, 0, w.maxSize)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := w.store.WithTx(ctx, func(q *db.Queries) error {
		for _, r := range rows {
			if err := q.InsertEventLog(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.errors.Add(1)
		w.mu.Lock()
		w.buffer = append(rows, w.buffer...)
		if over := len(w.buffer) - maxBacklog; over > 0 {
			w.buffer = w.buffer[over:]
			log.Warn().Int("dropped", over).Msg("audit backlog full, shed oldest rows")
		}
		w.mu.Unlock()
		log.Error().Err(err).Int("rows", len(rows)).Msg("audit flush failed")
		return err
	}

	w.rows.Add(uint64(len(rows)))
	w.batches.Add(1)
	w.lastFlush.Store(time.Now().UnixNano())
	return nil
}

func (w *BatchWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.kick:
			_ = w.Flush()
		case <-w.done:
			_ = w.Flush()
			return
		}
	}
}

// Pending reports the buffered row count.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Snapshot returns the writer's counters.
func (w *BatchWriter) Snapshot() Stats {
	s := Stats{
		Rows:    w.rows.Load(),
		Batches: w.batches.Load(),
		Errors:  w.errors.Load(),
		Pending: w.Pending(),
	}
	if ns := w.lastFlush.Load(); ns > 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}

// Close stops the loop after one final flush.
func (w *BatchWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
