// Package writer serializes CSV exports through a single goroutine so
// concurrent scan workers can share one output file.
package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Mode selects how an existing file is treated
type Mode int

const (
	// Append adds rows, writing the header only if the file is new or empty
	Append Mode = iota
	// Replace truncates the file first
	Replace
)

// MapperFunc turns one value into a CSV record
type MapperFunc[T any] func(T) []string

// HeaderFunc returns the CSV header
type HeaderFunc[T any] func() []string

type request[T any] struct {
	rows []T
	path string
	mode Mode
	done chan error
}

// CSVWriter is a queued CSV writer
type CSVWriter[T any] struct {
	queue  chan request[T]
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against in-flight Writes
	closed bool
	mapper MapperFunc[T]
	header HeaderFunc[T]
}

// New starts a writer worker
func New[T any](mapper MapperFunc[T], header HeaderFunc[T]) *CSVWriter[T] {
	cw := &CSVWriter[T]{
		queue:  make(chan request[T], 64),
		mapper: mapper,
		header: header,
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *CSVWriter[T]) run() {
	defer cw.wg.Done()
	for req := range cw.queue {
		req.done <- cw.write(req.rows, req.path, req.mode)
	}
}

// Close waits for pending writes and stops the worker. Writes after
// Close fail.
func (cw *CSVWriter[T]) Close() {
	cw.mu.Lock()
	if !cw.closed {
		cw.closed = true
		close(cw.queue)
	}
	cw.mu.Unlock()
	cw.wg.Wait()
}

// Write queues rows for path and waits until they are on disk
func (cw *CSVWriter[T]) Write(rows []T, path string, mode Mode) error {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	if cw.closed {
		return fmt.Errorf("writer is closed")
	}

	done := make(chan error, 1)
	cw.queue <- request[T]{rows: rows, path: path, mode: mode, done: done}
	return <-done
}

func (cw *CSVWriter[T]) write(rows []T, path string, mode Mode) error {
	if len(rows) == 0 && mode == Append {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if mode == Replace {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("opening CSV file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat CSV file: %w", err)
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 && len(rows) > 0 {
		if err := w.Write(cw.header()); err != nil {
			return fmt.Errorf("writing CSV header: %w", err)
		}
	}
	for _, row := range rows {
		if err := w.Write(cw.mapper(row)); err != nil {
			return fmt.Errorf("writing CSV record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
