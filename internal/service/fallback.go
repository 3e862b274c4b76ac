package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blackboxhq/blackbox/internal/model"
)

// FallbackRecord is one line in the fallback log: everything needed to
// reconstruct the failure without the primary store.
type FallbackRecord struct {
	Timestamp        string `json:"timestamp"`
	RequestID        string `json:"request_id"`
	IncidentID       string `json:"incident_id"`
	Method           string `json:"method"`
	Path             string `json:"path"`
	HTTPStatus       int    `json:"http_status"`
	ExceptionClass   string `json:"exception_class,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	PersistError     string `json:"persist_error"`
}

// FallbackWriter appends self-contained JSON lines to an append-only file.
// It is the last resort when the primary store is unavailable, so it holds no
// reference to it and never blocks on anything but the file write.
//
// Appends are safe for concurrent writers: each record goes out as a single
// O_APPEND write, and a mutex keeps in-process writers from interleaving.
type FallbackWriter struct {
	mu sync.Mutex
	f  *os.File
}

func NewFallbackWriter(path string) (*FallbackWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create fallback log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open fallback log: %w", err)
	}
	return &FallbackWriter{f: f}, nil
}

// Append writes one record as a single JSON line. A failure here is terminal
// for the event and is reported to the caller.
func (w *FallbackWriter) Append(rec FallbackRecord) error {
	if rec.Timestamp == "" {
		rec.Timestamp = model.FormatTime(time.Now())
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fallback record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append fallback record: %w", err)
	}
	return nil
}

func (w *FallbackWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
