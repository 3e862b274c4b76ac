package middleware_test

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/middleware"
	"github.com/blackboxhq/blackbox/internal/service"

	_ "modernc.org/sqlite"
)

func setupCapture(t *testing.T, cfg *config.Config) (*sql.DB, func(http.Handler) http.Handler) {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zerolog.New(io.Discard)
	alloc, err := service.NewAllocator(cfg, database)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	fallback, err := service.NewFallbackWriter(cfg.FallbackLogPath)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	t.Cleanup(func() { fallback.Close() })

	engine := service.NewEngine(database, cfg, alloc, fallback, log)
	svc := service.NewCaptureService(cfg, engine, log)
	return database, middleware.Capture(svc, cfg, nil)
}

func captureConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.FallbackLogPath = filepath.Join(t.TempDir(), "fallback.log")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func TestCaptureInterceptsServerError(t *testing.T) {
	cfg := captureConfig(t)
	database, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"payment gateway timed out"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"card":"4111"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rr.Code)
	}
	incidentID := rr.Header().Get("X-Incident-ID")
	if incidentID == "" {
		t.Fatal("X-Incident-ID header missing")
	}
	// The original response body passes through untouched.
	if !strings.Contains(rr.Body.String(), "payment gateway timed out") {
		t.Errorf("original body altered: %q", rr.Body.String())
	}

	var msg, path string
	err := database.QueryRow(`SELECT exception_message, path FROM incidents WHERE incident_id = ?`, incidentID).
		Scan(&msg, &path)
	if err != nil {
		t.Fatalf("incident row missing: %v", err)
	}
	if msg != "payment gateway timed out" {
		t.Errorf("exception_message: got %q", msg)
	}
	if path != "/checkout" {
		t.Errorf("path: got %q", path)
	}
}

func TestCaptureLeavesSuccessAlone(t *testing.T) {
	cfg := captureConfig(t)
	database, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders", nil))

	if rr.Code != http.StatusCreated {
		t.Errorf("status: got %d, want 201", rr.Code)
	}
	if rr.Header().Get("X-Incident-ID") != "" {
		t.Error("success response must not carry an incident id")
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM incidents`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("no incident should be recorded, found %d", count)
	}
}

func TestCaptureRecoversPanic(t *testing.T) {
	cfg := captureConfig(t)
	database, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil order reference")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/7", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rr.Code)
	}
	incidentID := rr.Header().Get("X-Incident-ID")
	if incidentID == "" {
		t.Fatal("X-Incident-ID header missing after panic")
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("panic response not JSON: %v", err)
	}
	if body["incident_id"] != incidentID {
		t.Errorf("incident_id in body: got %v, want %s", body["incident_id"], incidentID)
	}
	if detail, _ := body["detail"].(string); detail == "" {
		t.Error("generic error message missing")
	}

	var class, stack string
	err := database.QueryRow(`SELECT exception_class, stacktrace FROM incidents WHERE incident_id = ?`, incidentID).
		Scan(&class, &stack)
	if err != nil {
		t.Fatalf("incident row missing: %v", err)
	}
	if class != "string" {
		t.Errorf("exception_class: got %q", class)
	}
	if stack == "" {
		t.Error("stacktrace should be recorded for panics")
	}
}

func TestCaptureReturn400InsteadOf500(t *testing.T) {
	cfg := captureConfig(t)
	cfg.Return400InsteadOf500 = true
	_, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal detail that must not leak", http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/p", nil))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "internal detail") {
		t.Error("original error detail leaked through replacement body")
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("replacement body not JSON: %v", err)
	}
	if id, _ := body["incident_id"].(string); id == "" {
		t.Error("replacement body missing incident_id")
	}
}

func TestCaptureCustomErrorFormat(t *testing.T) {
	cfg := captureConfig(t)
	cfg.Return400InsteadOf500 = true
	cfg.CustomErrorFormat = map[string]string{
		"status":  "failed",
		"support": "quote <incident_id> when contacting us",
	}
	_, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/p", nil))

	incidentID := rr.Header().Get("X-Incident-ID")
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["status"] != "failed" {
		t.Errorf("custom field: got %v", body["status"])
	}
	support, _ := body["support"].(string)
	if !strings.Contains(support, incidentID) {
		t.Errorf("placeholder not substituted: %q", support)
	}
}

func TestCaptureRequestBodyStillReadable(t *testing.T) {
	cfg := captureConfig(t)
	_, capture := setupCapture(t, cfg)

	var seen string
	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"password":"hunter2","note":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/p", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != payload {
		t.Errorf("handler saw altered body: %q", seen)
	}
}

func TestCaptureStoresRedactedBody(t *testing.T) {
	cfg := captureConfig(t)
	database, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	incidentID := rr.Header().Get("X-Incident-ID")
	var bodyPreview, headers string
	err := database.QueryRow(`SELECT body_preview, headers FROM incidents WHERE incident_id = ?`, incidentID).
		Scan(&bodyPreview, &headers)
	if err != nil {
		t.Fatalf("incident row missing: %v", err)
	}
	if strings.Contains(bodyPreview, "hunter2") {
		t.Errorf("stored body not redacted: %q", bodyPreview)
	}
	if strings.Contains(headers, "secret") {
		t.Errorf("stored headers not redacted: %q", headers)
	}
}

func TestCaptureDisabledPassthrough(t *testing.T) {
	cfg := captureConfig(t)
	cfg.Enabled = false
	database, capture := setupCapture(t, cfg)

	handler := capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/p", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d", rr.Code)
	}
	if rr.Header().Get("X-Incident-ID") != "" {
		t.Error("disabled capture must not set incident header")
	}
	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM incidents`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("disabled capture recorded %d incidents", count)
	}
}
