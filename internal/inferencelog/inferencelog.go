// Package inferencelog records one row per completed inference request to
// Postgres. Writes are batched and asynchronous: Log never blocks the
// request path, and a full buffer drops the incoming entry (already
// buffered entries are kept) rather than applying backpressure to callers.
package inferencelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// bufferCapacity is the channel buffer size. A burst of completions larger
// than this will start dropping entries rather than stall request handling.
const bufferCapacity = 10000

// batchSize is the maximum number of rows written in a single INSERT.
const batchSize = 100

// flushInterval is how often a partial batch is flushed even if it hasn't
// reached batchSize.
const flushInterval = time.Second

// Entry is one row of the inference_logs table.
type Entry struct {
	RequestID   uuid.UUID
	Model       string
	Prompt      string
	Response    string
	MaxTokens   int
	Temperature float64
	Cached      bool
	LatencyMs   int64
	CreatedAt   time.Time
}

// Writer batches Entry values and writes them to Postgres on a ticker, the
// same write-behind shape as the teacher's request logger, retargeted at a
// durable store instead of structured logs.
type Writer struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	ch   chan Entry
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// New starts a Writer backed by pool. The writer's background flush loop
// stops when ctx is cancelled or Close is called.
func New(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		pool: pool,
		log:  log,
		ch:   make(chan Entry, bufferCapacity),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w
}

// Log enqueues entry for writing. It never blocks: if the buffer is full
// the entry is dropped and a counter is incremented, since losing one
// inference log row must never slow down or fail a client request.
//
// At-most-once semantics follow directly from this: a request id is
// written zero or one times, never more.
func (w *Writer) Log(entry Entry) {
	select {
	case w.ch <- entry:
	default:
		atomic.AddInt64(&w.dropped, 1)
		w.log.Warn("inferencelog: dropping entry, buffer full", "request_id", entry.RequestID)
	}
}

// DroppedEntries reports how many entries have been dropped since startup.
func (w *Writer) DroppedEntries() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close stops accepting new flushes, drains whatever is buffered, and
// waits for the background loop to exit.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(writeCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(writeCtx, batch); err != nil {
			w.log.Error("inferencelog: batch write failed", "error", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-w.done:
			w.drain(&batch)
			flush(context.Background())
			return
		case <-ctx.Done():
			w.drain(&batch)
			flush(context.Background())
			return
		}
	}
}

// drain empties whatever is left in the channel without blocking, so a
// shutdown doesn't silently lose entries that were enqueued moments before.
func (w *Writer) drain(batch *[]Entry) {
	for {
		select {
		case entry := <-w.ch:
			*batch = append(*batch, entry)
		default:
			return
		}
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []Entry) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := w.pool.Begin(writeCtx)
	if err != nil {
		return err
	}
	defer tx.Rollback(writeCtx)

	const stmt = `
		INSERT INTO inference_logs
			(request_id, model, prompt, response, max_tokens, temperature, cached, latency_ms, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING`

	for _, e := range batch {
		if _, err := tx.Exec(writeCtx, stmt,
			e.RequestID, e.Model, e.Prompt, e.Response, e.MaxTokens, e.Temperature, e.Cached, e.LatencyMs, e.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit(writeCtx)
}

// EnsureSchema creates the inference_logs table if it does not already
// exist. Called once at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS inference_logs (
			request_id  UUID PRIMARY KEY,
			model       TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			response    TEXT NOT NULL,
			max_tokens  INTEGER NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			cached      BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms  BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	_, err := pool.Exec(ctx, ddl)
	return err
}
