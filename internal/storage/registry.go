// Package storage journals run outcomes as JSON lines, one file per identity
// per day.
package storage

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one journal line.
type Entry struct {
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id"`
	Identity string    `json:"identity"`
	State    string    `json:"state,omitempty"`
	Outcome  any       `json:"outcome"`
}

// Journal hands out one writer per identity.
type Journal struct {
	baseDir    string
	bufferSize int
	maxSizeMB  int

	mu      sync.RWMutex
	writers map[string]*JSONLWriter
}

// NewJournal returns a journal rooted at baseDir.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	return &Journal{
		baseDir:    baseDir,
		bufferSize: bufferSize,
		maxSizeMB:  maxSizeMB,
		writers:    make(map[string]*JSONLWriter),
	}
}

func (j *Journal) writer(identity string) *JSONLWriter {
	seg := SafeSegment(identity)
	j.mu.RLock()
	w, ok := j.writers[seg]
	j.mu.RUnlock()
	if ok {
		return w
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if w, ok := j.writers[seg]; ok {
		return w
	}
	w = NewJSONLWriter(j.baseDir, seg, "outcomes.jsonl", j.bufferSize, j.maxSizeMB)
	j.writers[seg] = w
	slog.Debug("journal writer created", "identity", identity, "segment", seg)
	return w
}

// Record queues e on its identity's writer.
func (j *Journal) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return j.writer(e.Identity).Write(e)
}

// Close flushes and closes every writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var lastErr error
	for seg, w := range j.writers {
		if err := w.Close(); err != nil {
			slog.Error("journal close failed", "segment", seg, "error", err)
			lastErr = err
		}
	}
	j.writers = make(map[string]*JSONLWriter)
	return lastErr
}
