package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"repolizer/internal/data"
)

// ErrWriterFailure wraps persistence errors seen by a Writer. They are
// logged and counted but never stop the writer.
var ErrWriterFailure = errors.New("writer failure")

// Appender is the persistence side of a Writer.
type Appender interface {
	Append(rep data.Report) error
}

// WriterStats summarizes a drained Writer.
type WriterStats struct {
	Written int
	Failed  int
}

// Writer is the single goroutine allowed to append to a store while reports
// are produced concurrently. Producers call Submit; Close acts as the
// end-of-stream sentinel and Wait blocks until every submitted report has
// been handled.
type Writer struct {
	store  Appender
	logger *slog.Logger
	ch     chan data.Report
	done   chan struct{}

	// OnWrite, if set before the first Submit, is called from the writer
	// goroutine after each append.
	OnWrite func(rep data.Report, err error)

	closeOnce sync.Once
	stats     WriterStats
	errs      []error
}

// NewWriter starts a writer. buffer should be at least the number of
// reports that will be submitted so producers never block.
func NewWriter(store Appender, buffer int, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}
	w := &Writer{
		store:  store,
		logger: logger,
		ch:     make(chan data.Report, buffer),
		done:   make(chan struct{}),
	}
	return w
}

// Start runs the drain loop. It must be called exactly once.
func (w *Writer) Start() {
	go w.run()
}

func (w *Writer) run() {
	defer close(w.done)
	for rep := range w.ch {
		err := w.store.Append(rep)
		if err != nil {
			w.stats.Failed++
			err = fmt.Errorf("%w: %w", ErrWriterFailure, err)
			w.errs = append(w.errs, err)
			w.logger.Error("failed to persist report", "repo", rep.Repository.DisplayName(), "error", err)
		} else {
			w.stats.Written++
			w.logger.Debug("persisted report", "repo", rep.Repository.DisplayName(), "status", rep.Status)
		}
		if w.OnWrite != nil {
			w.OnWrite(rep, err)
		}
	}
}

// Submit queues rep for persistence. It must not be called after Close.
func (w *Writer) Submit(rep data.Report) {
	w.ch <- rep
}

// Close signals that no more reports will be submitted.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.ch) })
}

// Wait closes the writer if needed, waits for the drain to finish and
// returns what was written. The error joins every append failure.
func (w *Writer) Wait() (WriterStats, error) {
	w.Close()
	<-w.done
	return w.stats, errors.Join(w.errs...)
}
