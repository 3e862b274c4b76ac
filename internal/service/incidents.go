package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	dbpkg "github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/model"
)

const incidentColumns = `id, request_id, incident_id, status, http_status, method, path,
	query_string, user_id, ip_address, user_agent, headers, body_preview,
	content_type, exception_class, exception_message, stacktrace,
	first_seen_at, occurred_at, resolved_at, notes, dedup_hash,
	occurrence_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var (
		inc                     model.Incident
		userID, ipAddr, ua      sql.NullString
		body, contentType       sql.NullString
		excClass, excMsg, stack sql.NullString
		firstSeen, occurred     string
		resolvedAt              sql.NullString
		headersJSON             string
	)
	err := row.Scan(
		&inc.ID, &inc.RequestID, &inc.IncidentID, &inc.Status, &inc.HTTPStatus,
		&inc.Method, &inc.Path, &inc.QueryString, &userID, &ipAddr, &ua,
		&headersJSON, &body, &contentType, &excClass, &excMsg, &stack,
		&firstSeen, &occurred, &resolvedAt, &inc.Notes, &inc.DedupHash,
		&inc.OccurrenceCount,
	)
	if err != nil {
		return nil, err
	}

	inc.UserID = userID.String
	inc.IPAddress = ipAddr.String
	inc.UserAgent = ua.String
	inc.BodyPreview = body.String
	inc.ContentType = contentType.String
	inc.ExceptionClass = excClass.String
	inc.ExceptionMessage = excMsg.String
	inc.Stacktrace = stack.String

	if inc.FirstSeenAt, err = model.ParseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parse first_seen_at: %w", err)
	}
	if inc.OccurredAt, err = model.ParseTime(occurred); err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := model.ParseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		inc.ResolvedAt = &t
	}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &inc.Headers); err != nil {
			inc.Headers = nil
		}
	}
	inc.Persisted = true
	return &inc, nil
}

func getIncidentByID(ctx context.Context, database *sql.DB, driver, id string) (*model.Incident, error) {
	query := dbpkg.Rebind(driver, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`)
	return scanIncident(database.QueryRowContext(ctx, query, id))
}

// IncidentFilter narrows List results.
type IncidentFilter struct {
	Status       string
	PathContains string
	Since        time.Time
	Limit        int
	Offset       int
}

// IncidentService serves the read/admin surface over stored incidents.
// Status is owned here (admin-driven); occurrence_count and occurred_at are
// owned by the Engine.
type IncidentService struct {
	db     *sql.DB
	driver string
}

func NewIncidentService(database *sql.DB, driver string) *IncidentService {
	return &IncidentService{db: database, driver: driver}
}

func (s *IncidentService) List(ctx context.Context, f IncidentFilter) ([]*model.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.PathContains != "" {
		query += ` AND path LIKE ?`
		args = append(args, "%"+f.PathContains+"%")
	}
	if !f.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, model.FormatTime(f.Since))
	}
	query += ` ORDER BY occurred_at DESC`

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, dbpkg.Rebind(s.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// Get looks up an incident by its public identifier.
func (s *IncidentService) Get(ctx context.Context, incidentID string) (*model.Incident, error) {
	query := dbpkg.Rebind(s.driver, `SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`)
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, incidentID))
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Resource: "incident", ID: incidentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", incidentID, err)
	}
	return inc, nil
}

// UpdateStatus transitions an incident. Moving to RESOLVED stamps
// resolved_at; moving away clears it.
func (s *IncidentService) UpdateStatus(ctx context.Context, incidentID, status string) (*model.Incident, error) {
	if !model.ValidStatus(status) {
		return nil, &model.ValidationError{Field: "status", Reason: "must be one of OPEN, ACKNOWLEDGED, RESOLVED, SUPPRESSED"}
	}

	var resolvedAt any
	if status == model.StatusResolved {
		resolvedAt = model.FormatTime(time.Now())
	}

	query := dbpkg.Rebind(s.driver, `UPDATE incidents SET status = ?, resolved_at = ? WHERE incident_id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, resolvedAt, incidentID)
	if err != nil {
		return nil, fmt.Errorf("update incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &model.NotFoundError{Resource: "incident", ID: incidentID}
	}
	return s.Get(ctx, incidentID)
}

// SetNotes replaces the free-form notes on an incident.
func (s *IncidentService) SetNotes(ctx context.Context, incidentID, notes string) (*model.Incident, error) {
	query := dbpkg.Rebind(s.driver, `UPDATE incidents SET notes = ? WHERE incident_id = ?`)
	res, err := s.db.ExecContext(ctx, query, notes, incidentID)
	if err != nil {
		return nil, fmt.Errorf("update incident notes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &model.NotFoundError{Resource: "incident", ID: incidentID}
	}
	return s.Get(ctx, incidentID)
}
