package service_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/service"
)

func TestSequenceAllocatorMonotonic(t *testing.T) {
	database := setupDB(t)
	cfg := testConfig(t)
	alloc, err := service.NewAllocator(cfg, database)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	want := []string{"INCIDENT-0001", "INCIDENT-0002", "INCIDENT-0003"}
	for i, w := range want {
		got, err := alloc.Next(context.Background())
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got != w {
			t.Errorf("id %d: got %q, want %q", i, got, w)
		}
	}
}

func TestSequenceAllocatorConcurrentUnique(t *testing.T) {
	database := setupDB(t)
	cfg := testConfig(t)
	alloc, err := service.NewAllocator(cfg, database)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := alloc.Next(context.Background())
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id allocated: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("allocated %d unique ids, want %d", len(seen), n)
	}
}

func TestRedisAllocator(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.IDMode = config.IDModeRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	alloc, err := service.NewAllocator(cfg, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	first, err := alloc.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first != "INCIDENT-0001" {
		t.Errorf("first id: got %q, want INCIDENT-0001", first)
	}
	second, err := alloc.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second != "INCIDENT-0002" {
		t.Errorf("second id: got %q, want INCIDENT-0002", second)
	}
}

func TestXIDAllocatorSortableAndUnique(t *testing.T) {
	cfg := testConfig(t)
	cfg.IDMode = config.IDModeXID

	alloc, err := service.NewAllocator(cfg, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	ids := make([]string, 100)
	for i := range ids {
		id, err := alloc.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		ids[i] = id
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("xid ids should sort in generation order")
	}
}

func TestNewAllocatorRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.IDMode = "snowflake"
	if _, err := service.NewAllocator(cfg, nil); err == nil {
		t.Fatal("expected error for unknown id mode")
	}
}
