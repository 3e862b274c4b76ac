package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/model"
)

const sigLockShards = 64

// Engine is the dedup/merge state machine. Given a fingerprinted event it
// finds-or-creates an incident under concurrent access, merging occurrence
// counts and timestamps, and guarantees the caller always gets back an
// incident with a final, non-empty incident_id — even when the store is down.
//
// The lookup-then-act sequence is serialized per signature through a sharded
// mutex so two events sharing a novel signature cannot both create an
// incident. The merge increment itself is a single SQL read-modify-write, so
// concurrent merges never lose updates even across processes.
type Engine struct {
	db       *sql.DB
	driver   string
	alloc    IDAllocator
	fallback *FallbackWriter
	log      zerolog.Logger

	windowSeconds int
	writeTimeout  time.Duration
	idPrefix      string

	// Now is the clock; overridable in tests.
	Now func() time.Time

	sigLocks [sigLockShards]sync.Mutex
}

func NewEngine(database *sql.DB, cfg *config.Config, alloc IDAllocator, fallback *FallbackWriter, log zerolog.Logger) *Engine {
	return &Engine{
		db:            database,
		driver:        cfg.DBDriver,
		alloc:         alloc,
		fallback:      fallback,
		log:           log.With().Str("component", "engine").Logger(),
		windowSeconds: cfg.DedupWindowSeconds,
		writeTimeout:  cfg.WriteTimeout,
		idPrefix:      cfg.IDPrefix,
		Now:           time.Now,
	}
}

func (e *Engine) lockFor(signature string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(signature))
	return &e.sigLocks[h.Sum32()%sigLockShards]
}

// Record deduplicates one event: merge into a recent incident with the same
// signature, or create a new one. On persistence failure the event goes to
// the fallback log and a synthesized, unpersisted incident is returned along
// with the error; the incident is always usable for the error response.
func (e *Engine) Record(ctx context.Context, ev *model.ErrorEvent, signature string) (*model.Incident, bool, error) {
	now := e.Now().UTC()

	mu := e.lockFor(signature)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	inc, isNew, err := e.record(ctx, ev, signature, now)
	if err == nil {
		return inc, isNew, nil
	}

	e.log.Error().Err(err).Str("signature", signature).Msg("failed to persist incident")
	inc = e.synthesize(ctx, ev, signature, now)
	if e.fallback != nil {
		fbErr := e.fallback.Append(FallbackRecord{
			Timestamp:        model.FormatTime(now),
			RequestID:        ev.RequestID,
			IncidentID:       inc.IncidentID,
			Method:           ev.Method,
			Path:             ev.Path,
			HTTPStatus:       ev.StatusForMatching(),
			ExceptionClass:   ev.ExceptionClass,
			ExceptionMessage: ev.ExceptionMessage,
			PersistError:     err.Error(),
		})
		if fbErr != nil {
			e.log.Error().Err(fbErr).Msg("fallback log write failed")
			err = fmt.Errorf("%w (fallback also failed: %v)", err, fbErr)
		}
	}
	return inc, true, err
}

func (e *Engine) record(ctx context.Context, ev *model.ErrorEvent, signature string, now time.Time) (*model.Incident, bool, error) {
	if e.windowSeconds > 0 {
		cutoff := now.Add(-time.Duration(e.windowSeconds) * time.Second)
		id, found, err := e.lookup(ctx, signature, cutoff)
		if err != nil {
			return nil, false, err
		}
		if found {
			inc, err := e.merge(ctx, id, ev, now)
			if err != nil {
				return nil, false, err
			}
			return inc, false, nil
		}
	}

	inc, err := e.create(ctx, ev, signature, now)
	if err != nil {
		return nil, false, err
	}
	return inc, true, nil
}

// lookup finds the most recent matchable incident for the signature inside
// the window. Resolved and suppressed incidents never absorb new events.
func (e *Engine) lookup(ctx context.Context, signature string, cutoff time.Time) (string, bool, error) {
	var id string
	query := db.Rebind(e.driver, `
		SELECT id FROM incidents
		WHERE dedup_hash = ?
		  AND occurred_at >= ?
		  AND status NOT IN ('RESOLVED', 'SUPPRESSED')
		ORDER BY occurred_at DESC
		LIMIT 1`)
	err := e.db.QueryRowContext(ctx, query, signature, model.FormatTime(cutoff)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, true, nil
}

// merge folds an occurrence into an existing incident. Contextual fields
// (message, stacktrace, path, ip) refresh to the latest occurrence;
// first_seen_at, signature and the first-occurrence snapshot stay frozen.
func (e *Engine) merge(ctx context.Context, id string, ev *model.ErrorEvent, now time.Time) (*model.Incident, error) {
	query := db.Rebind(e.driver, `
		UPDATE incidents
		SET occurrence_count = occurrence_count + 1,
		    occurred_at = ?,
		    exception_message = ?,
		    stacktrace = ?,
		    path = ?,
		    ip_address = ?
		WHERE id = ?`)
	if _, err := e.db.ExecContext(ctx, query,
		model.FormatTime(now), ev.ExceptionMessage, ev.Stacktrace, ev.Path, ev.IPAddress, id); err != nil {
		return nil, fmt.Errorf("merge incident %s: %w", id, err)
	}
	inc, err := getIncidentByID(ctx, e.db, e.driver, id)
	if err != nil {
		return nil, fmt.Errorf("reload merged incident %s: %w", id, err)
	}
	return inc, nil
}

func (e *Engine) create(ctx context.Context, ev *model.ErrorEvent, signature string, now time.Time) (*model.Incident, error) {
	incidentID, err := e.alloc.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate incident id: %w", err)
	}

	inc := &model.Incident{
		ID:               uuid.NewString(),
		RequestID:        ev.RequestID,
		IncidentID:       incidentID,
		Status:           model.StatusOpen,
		HTTPStatus:       ev.StatusForMatching(),
		Method:           ev.Method,
		Path:             ev.Path,
		QueryString:      ev.QueryString,
		UserID:           ev.UserID,
		IPAddress:        ev.IPAddress,
		UserAgent:        ev.UserAgent,
		Headers:          ev.Headers,
		BodyPreview:      string(ev.Body),
		ContentType:      ev.ContentType,
		ExceptionClass:   ev.ExceptionClass,
		ExceptionMessage: ev.ExceptionMessage,
		Stacktrace:       ev.Stacktrace,
		FirstSeenAt:      now,
		OccurredAt:       now,
		DedupHash:        signature,
		OccurrenceCount:  1,
		Persisted:        true,
	}

	headersJSON, err := json.Marshal(inc.Headers)
	if err != nil {
		headersJSON = []byte("{}")
	}

	query := db.Rebind(e.driver, `
		INSERT INTO incidents
			(id, request_id, incident_id, status, http_status, method, path,
			 query_string, user_id, ip_address, user_agent, headers,
			 body_preview, content_type, exception_class, exception_message,
			 stacktrace, first_seen_at, occurred_at, notes, dedup_hash,
			 occurrence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := e.db.ExecContext(ctx, query,
		inc.ID, inc.RequestID, inc.IncidentID, inc.Status, inc.HTTPStatus,
		inc.Method, inc.Path, inc.QueryString, inc.UserID, inc.IPAddress,
		inc.UserAgent, string(headersJSON), inc.BodyPreview, inc.ContentType,
		inc.ExceptionClass, inc.ExceptionMessage, inc.Stacktrace,
		model.FormatTime(now), model.FormatTime(now), "", signature,
		inc.OccurrenceCount); err != nil {
		return nil, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

// synthesize builds the record-less incident returned when nothing could be
// persisted. It tries the allocator first; if that is also down, a random
// suffix id keeps the user-facing contract of a non-empty identifier.
func (e *Engine) synthesize(ctx context.Context, ev *model.ErrorEvent, signature string, now time.Time) *model.Incident {
	incidentID, err := e.alloc.Next(ctx)
	if err != nil {
		suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		incidentID = e.idPrefix + "-" + suffix
	}
	return &model.Incident{
		ID:               uuid.NewString(),
		RequestID:        ev.RequestID,
		IncidentID:       incidentID,
		Status:           model.StatusOpen,
		HTTPStatus:       ev.StatusForMatching(),
		Method:           ev.Method,
		Path:             ev.Path,
		ExceptionClass:   ev.ExceptionClass,
		ExceptionMessage: ev.ExceptionMessage,
		FirstSeenAt:      now,
		OccurredAt:       now,
		DedupHash:        signature,
		OccurrenceCount:  1,
		Persisted:        false,
	}
}
