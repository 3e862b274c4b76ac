package router_test

import (
	"database/sql"
	"io"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/router"

	_ "modernc.org/sqlite"
)

func TestRouteRegistration(t *testing.T) {
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	database.SetMaxOpenConns(1)
	defer database.Close()
	if err := db.Migrate(database, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	h := router.New(cfg, database, nil, nil, zerolog.New(io.Discard))

	r, ok := h.(chi.Router)
	if !ok {
		t.Fatal("router is not a chi.Router")
	}

	want := map[string]bool{
		"GET /v1/health":                       false,
		"GET /v1/version":                      false,
		"GET /v1/incidents":                    false,
		"GET /v1/incidents/{incident_id}":      false,
		"PATCH /v1/incidents/{incident_id}":    false,
		"GET /v1/incidents/{incident_id}/curl": false,
	}
	err = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		key := method + " " + route
		if _, ok := want[key]; ok {
			want[key] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	for route, seen := range want {
		if !seen {
			t.Errorf("route not registered: %s", route)
		}
	}
}
