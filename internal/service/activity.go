package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/model"
)

// ActivityEntry is one request's activity row.
type ActivityEntry struct {
	RequestID  string
	UserID     string
	Method     string
	Path       string
	HTTPStatus int
	Duration   time.Duration
}

// ActivityService records per-request activity. It sits outside the incident
// path: failures here are the caller's to log and must never affect the
// response.
type ActivityService struct {
	db     *sql.DB
	driver string
}

func NewActivityService(database *sql.DB, driver string) *ActivityService {
	return &ActivityService{db: database, driver: driver}
}

func (s *ActivityService) Record(ctx context.Context, entry ActivityEntry) error {
	query := dbpkg.Rebind(s.driver, `
		INSERT INTO activity_logs
			(id, request_id, user_id, method, path, http_status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), entry.RequestID, entry.UserID, entry.Method, entry.Path,
		entry.HTTPStatus, entry.Duration.Milliseconds(), model.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}
