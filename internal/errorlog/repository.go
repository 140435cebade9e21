// Package errorlog persists the error ledger: structured error rows with
// stack captures, queryable from the ops API and resolvable by operators.
package errorlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

const stampLayout = "2006-01-02 15:04:05.000000000"

// Stored strings are bounded so one runaway failure cannot bloat the
// ledger. Over-long values are truncated with an explicit marker.
const (
	maxMessageLen = 2048
	maxStackLen   = 8192

	truncationMarker = "...[truncated]"
)

// Type tags classify rows by failure class.
const (
	TypeTransient    = "transient"
	TypePermanent    = "permanent"
	TypeInvariant    = "invariant_violation"
	TypeRejection    = "business_rejection"
	TypeCatastrophic = "catastrophic"
)

const errorLogColumns = `id, occurred_at, severity, service, module,
correlation_id, message, stack, type_tag, resolved_at, resolution_note`

// Repository persists error rows in the error_logs table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates an error ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "errorlog").Logger(),
		now: time.Now,
	}
}

// Insert stores one error row and returns its id. Over-long message and
// stack strings are truncated, never rejected; an unknown severity is
// stored as error rather than dropping the row.
func (r *Repository) Insert(rec domain.ErrorRecord) (int64, error) {
	if rec.Message == "" {
		return 0, fmt.Errorf("error record requires a message")
	}
	if !rec.Severity.Valid() {
		rec.Severity = domain.SeverityError
	}
	at := rec.At
	if at.IsZero() {
		at = r.now()
	}

	res, err := r.db.Exec(`
		INSERT INTO error_logs (occurred_at, severity, service, module, correlation_id, message, stack, type_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(stampLayout), string(rec.Severity), rec.Service, rec.Module,
		rec.CorrelationID, truncate(rec.Message, maxMessageLen), truncate(rec.Stack, maxStackLen),
		rec.TypeTag)
	if err != nil {
		return 0, fmt.Errorf("failed to insert error row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted error row id: %w", err)
	}
	return id, nil
}

// Recent returns the newest rows, newest first. A non-positive limit
// defaults to 50.
func (r *Repository) Recent(limit int) ([]domain.ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(
		"SELECT "+errorLogColumns+" FROM error_logs ORDER BY occurred_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent error rows: %w", err)
	}
	defer rows.Close()

	var records []domain.ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Resolve marks an open row resolved with an operator note.
func (r *Repository) Resolve(id int64, note string) error {
	res, err := r.db.Exec(`
		UPDATE error_logs
		SET resolved_at = ?, resolution_note = ?
		WHERE id = ? AND resolved_at IS NULL`,
		r.now().UTC().Format(stampLayout), note, id)
	if err != nil {
		return fmt.Errorf("failed to resolve error row %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve error row %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("error row %d not found or already resolved", id)
	}
	return nil
}

// CountSince counts error and critical rows at or after since. Telemetry
// uses it for the error-rate snapshot.
func (r *Repository) CountSince(since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM error_logs
		WHERE occurred_at >= ? AND severity IN ('error', 'critical')`,
		since.UTC().Format(stampLayout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count error rows: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (domain.ErrorRecord, error) {
	var (
		rec            domain.ErrorRecord
		occurredAt     string
		severity       string
		resolvedAt     sql.NullString
		resolutionNote sql.NullString
	)
	err := rows.Scan(&rec.ID, &occurredAt, &severity, &rec.Service, &rec.Module,
		&rec.CorrelationID, &rec.Message, &rec.Stack, &rec.TypeTag,
		&resolvedAt, &resolutionNote)
	if err != nil {
		return rec, fmt.Errorf("failed to scan error row: %w", err)
	}

	rec.Severity = domain.Severity(severity)
	if rec.At, err = time.Parse(stampLayout, occurredAt); err != nil {
		return rec, fmt.Errorf("failed to parse occurred_at %q: %w", occurredAt, err)
	}
	if resolvedAt.Valid {
		at, err := time.Parse(stampLayout, resolvedAt.String)
		if err != nil {
			return rec, fmt.Errorf("failed to parse resolved_at %q: %w", resolvedAt.String, err)
		}
		rec.ResolvedAt = &at
	}
	if resolutionNote.Valid {
		rec.ResolutionNote = resolutionNote.String
	}
	return rec, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-len(truncationMarker)] + truncationMarker
}
