package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the write side of the audit database. *DB implements it.
type Store interface {
	LogExecution(ctx context.Context, exec *Execution) error
	LogFixRun(ctx context.Context, run *FixRun) error
}

// entry holds exactly one of exec or fix.
type entry struct {
	exec *Execution
	fix  *FixRun
}

func (e entry) id() string {
	if e.exec != nil {
		return e.exec.ID
	}
	return e.fix.ID
}

// AuditWriter persists records off the request path. Records are dropped,
// not blocked on, when the buffer is full.
type AuditWriter struct {
	store       Store
	ch          chan entry
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
	maxRetries  int
	baseBackoff time.Duration
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:       store,
		ch:          make(chan entry, bufferSize),
		done:        make(chan struct{}),
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues an execution record.
func (w *AuditWriter) Log(exec *Execution) {
	w.enqueue(entry{exec: exec})
}

// LogFix queues a fix run with its history.
func (w *AuditWriter) LogFix(run *FixRun) {
	w.enqueue(entry{fix: run})
}

func (w *AuditWriter) enqueue(e entry) {
	select {
	case w.ch <- e:
	default:
		log.Warn().Str("record_id", e.id()).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and waits up to timeout for queued records.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(e entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.exec != nil {
		return w.store.LogExecution(ctx, e.exec)
	}
	return w.store.LogFixRun(ctx, e.fix)
}

func (w *AuditWriter) writeWithRetry(e entry) {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err := w.write(e)
		if err == nil {
			return
		}

		if attempt < w.maxRetries {
			backoff := w.baseBackoff << attempt
			log.Warn().
				Err(err).
				Str("record_id", e.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("record_id", e.id()).
				Msg("audit write failed permanently after retries")
		}
	}
}
