package service_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blackboxhq/blackbox/internal/service"
)

func TestFallbackWriterConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.log")
	w, err := service.NewFallbackWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := service.FallbackRecord{
				RequestID:    fmt.Sprintf("req-%d", i),
				Method:       "GET",
				Path:         "/p",
				HTTPStatus:   500,
				PersistError: "db down",
			}
			if err := w.Append(rec); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec service.FallbackRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line not parseable: %v: %s", err, scanner.Text())
		}
		if rec.Timestamp == "" {
			t.Error("timestamp missing")
		}
		seen[rec.RequestID] = true
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != n {
		t.Errorf("got %d distinct records, want %d", len(seen), n)
	}
}

func TestFallbackWriterCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "fallback.log")
	w, err := service.NewFallbackWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if err := w.Append(service.FallbackRecord{RequestID: "r", PersistError: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}
