package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrBufferFull is returned when a record is dropped instead of blocking.
var ErrBufferFull = errors.New("journal buffer full")

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("journal writer closed")

// JSONLWriter appends JSON lines asynchronously to
// baseDir/<date>/<segment>/<file>, rotating by size with lumberjack and by
// UTC date.
type JSONLWriter struct {
	baseDir   string
	segment   string
	file      string
	maxSizeMB int

	writeCh chan any
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	date    string
	logger  *lumberjack.Logger
	closed  bool
	written int
}

// NewJSONLWriter starts a writer for one segment.
func NewJSONLWriter(baseDir, segment, file string, bufferSize, maxSizeMB int) *JSONLWriter {
	if bufferSize < 1 {
		bufferSize = 64
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		segment:   segment,
		file:      file,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write queues record. It never blocks: a full buffer drops the record.
func (w *JSONLWriter) Write(record any) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "segment", w.segment)
		return ErrBufferFull
	}
}

// Close drains queued records and closes the file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *JSONLWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			for {
				select {
				case record := <-w.writeCh:
					w.writeRecord(record)
				default:
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal marshal failed", "segment", w.segment, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if date := time.Now().UTC().Format("2006-01-02"); date != w.date || w.logger == nil {
		if err := w.openForDate(date); err != nil {
			slog.Error("journal open failed", "segment", w.segment, "error", err)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "segment", w.segment, "error", err)
		return
	}
	w.written++
}

func (w *JSONLWriter) openForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}
	dir := filepath.Join(w.baseDir, date, w.segment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, w.file),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.date = date
	slog.Info("journal file opened", "file", w.logger.Filename)
	return nil
}

// Written returns how many records reached the file.
func (w *JSONLWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Path returns the current file path, empty before the first write.
func (w *JSONLWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger == nil {
		return ""
	}
	return w.logger.Filename
}
