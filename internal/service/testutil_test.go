package service_test

import (
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/service"

	_ "modernc.org/sqlite"
)

// setupDB creates an in-memory SQLite database with the real migrations
// applied.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.FallbackLogPath = filepath.Join(t.TempDir(), "fallback.log")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate test config: %v", err)
	}
	return cfg
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestEngine(t *testing.T, database *sql.DB, cfg *config.Config) *service.Engine {
	t.Helper()
	alloc, err := service.NewAllocator(cfg, database)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	fallback, err := service.NewFallbackWriter(cfg.FallbackLogPath)
	if err != nil {
		t.Fatalf("fallback writer: %v", err)
	}
	t.Cleanup(func() { fallback.Close() })
	return service.NewEngine(database, cfg, alloc, fallback, testLogger())
}
