package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nmea-ws-proxy/backend/internal/model"
)

// DefaultListLimit caps history listings when the caller does not ask for a size.
const DefaultListLimit = 100

// UplinkRepository provides data access for uplink history.
type UplinkRepository struct {
	db *sql.DB
}

// NewUplinkRepository creates a new UplinkRepository.
func NewUplinkRepository(db *sql.DB) *UplinkRepository {
	return &UplinkRepository{db: db}
}

// Create inserts a connect attempt.
func (r *UplinkRepository) Create(ctx context.Context, rec *model.UplinkRecord) error {
	query := `
		INSERT INTO uplinks (id, session_id, host, port, outcome, reason, frames, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.Host,
		rec.Port,
		rec.Outcome,
		nullString(string(rec.Reason)),
		rec.Frames,
		rec.OpenedAt.UTC(),
		nullTime(rec.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create uplink record: %w", err)
	}

	return nil
}

// Finish marks an established uplink as closed.
func (r *UplinkRepository) Finish(ctx context.Context, id string, reason model.CloseReason, frames int64, closedAt time.Time) error {
	query := `
		UPDATE uplinks
		SET reason = ?, frames = ?, closed_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, string(reason), frames, closedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish uplink record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrUplinkRecordNotFound
	}

	return nil
}

// GetByID retrieves one record.
func (r *UplinkRepository) GetByID(ctx context.Context, id string) (*model.UplinkRecord, error) {
	query := `
		SELECT id, session_id, host, port, outcome, reason, frames, opened_at, closed_at
		FROM uplinks
		WHERE id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrUplinkRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get uplink record: %w", err)
	}

	return rec, nil
}

// ListBySession returns a session's attempts, newest first.
func (r *UplinkRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.UplinkRecord, error) {
	query := `
		SELECT id, session_id, host, port, outcome, reason, frames, opened_at, closed_at
		FROM uplinks
		WHERE session_id = ?
		ORDER BY opened_at DESC
	`

	return r.list(ctx, query, sessionID)
}

// ListRecent returns the latest attempts across all sessions. limit <= 0 uses DefaultListLimit.
func (r *UplinkRepository) ListRecent(ctx context.Context, limit int) ([]*model.UplinkRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, session_id, host, port, outcome, reason, frames, opened_at, closed_at
		FROM uplinks
		ORDER BY opened_at DESC
		LIMIT ?
	`

	return r.list(ctx, query, limit)
}

// CountByOutcome aggregates attempts per outcome.
func (r *UplinkRepository) CountByOutcome(ctx context.Context) (map[model.UplinkOutcome]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM uplinks GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count uplink outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.UplinkOutcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[model.UplinkOutcome(outcome)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome counts: %w", err)
	}

	return counts, nil
}

func (r *UplinkRepository) list(ctx context.Context, query string, args ...any) ([]*model.UplinkRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uplink records: %w", err)
	}
	defer rows.Close()

	records := []*model.UplinkRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan uplink record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating uplink records: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.UplinkRecord, error) {
	rec := &model.UplinkRecord{}
	var outcome string
	var reason sql.NullString
	var closedAt sql.NullTime

	err := s.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Host,
		&rec.Port,
		&outcome,
		&reason,
		&rec.Frames,
		&rec.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Outcome = model.UplinkOutcome(outcome)
	if reason.Valid {
		rec.Reason = model.CloseReason(reason.String)
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
