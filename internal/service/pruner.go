package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	dbpkg "github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/model"
)

// Archiver receives pruned incidents before they are deleted.
type Archiver interface {
	Store(ctx context.Context, key string, data []byte) error
}

// Pruner deletes incidents whose occurred_at is older than the retention
// cutoff. One bounded pass per invocation; it holds no locks that would block
// concurrent creation or merging.
type Pruner struct {
	db       *sql.DB
	driver   string
	archiver Archiver // may be nil
	log      zerolog.Logger
}

func NewPruner(database *sql.DB, driver string, archiver Archiver, log zerolog.Logger) *Pruner {
	return &Pruner{
		db:       database,
		driver:   driver,
		archiver: archiver,
		log:      log.With().Str("component", "pruner").Logger(),
	}
}

// Prune removes incidents older than olderThanDays. Dry-run reports the
// candidate count without deleting anything.
func (p *Pruner) Prune(ctx context.Context, olderThanDays int, dryRun bool) (int64, error) {
	cutoff := model.FormatTime(time.Now().AddDate(0, 0, -olderThanDays))

	var count int64
	countQuery := dbpkg.Rebind(p.driver, `SELECT COUNT(*) FROM incidents WHERE occurred_at < ?`)
	if err := p.db.QueryRowContext(ctx, countQuery, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count prunable incidents: %w", err)
	}
	if count == 0 || dryRun {
		p.log.Info().Int64("count", count).Bool("dry_run", dryRun).Str("cutoff", cutoff).Msg("prune pass")
		return count, nil
	}

	p.logStatusBreakdown(ctx, cutoff)

	if p.archiver != nil {
		if err := p.archive(ctx, cutoff); err != nil {
			return 0, fmt.Errorf("archive before prune: %w", err)
		}
	}

	res, err := p.db.ExecContext(ctx, dbpkg.Rebind(p.driver, `DELETE FROM incidents WHERE occurred_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete incidents: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		deleted = count
	}
	p.log.Info().Int64("deleted", deleted).Str("cutoff", cutoff).Msg("pruned incidents")
	return deleted, nil
}

func (p *Pruner) logStatusBreakdown(ctx context.Context, cutoff string) {
	rows, err := p.db.QueryContext(ctx,
		dbpkg.Rebind(p.driver, `SELECT status, COUNT(*) FROM incidents WHERE occurred_at < ? GROUP BY status`), cutoff)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		p.log.Info().Str("status", status).Int64("count", n).Msg("pruning")
	}
}

// archive serializes the rows about to be deleted as JSONL and hands them to
// the archiver under a per-run key.
func (p *Pruner) archive(ctx context.Context, cutoff string) error {
	rows, err := p.db.QueryContext(ctx,
		dbpkg.Rebind(p.driver, `SELECT `+incidentColumns+` FROM incidents WHERE occurred_at < ? ORDER BY occurred_at`), cutoff)
	if err != nil {
		return fmt.Errorf("select archive rows: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return fmt.Errorf("scan archive row: %w", err)
		}
		if err := enc.Encode(inc); err != nil {
			return fmt.Errorf("encode archive row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate archive rows: %w", err)
	}

	key := fmt.Sprintf("incidents/pruned-%s.jsonl", time.Now().UTC().Format("20060102T150405Z"))
	if err := p.archiver.Store(ctx, key, buf.Bytes()); err != nil {
		return err
	}
	p.log.Info().Str("key", key).Msg("archived pruned incidents")
	return nil
}
