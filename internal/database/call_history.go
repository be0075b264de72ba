package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krishvios/signvios/internal/database/models"
)

// callHistoryRepo implements CallHistoryRepository.
type callHistoryRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a new CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &callHistoryRepo{db: db}
}

const callRecordColumns = `id, direction, dial_string, remote_name, method,
	 result, dial_source, missed, started_at, ended_at`

// Record inserts a call record.
func (r *callHistoryRepo) Record(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (direction, dial_string, remote_name, method,
		 result, dial_source, missed, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Direction, rec.DialString, rec.RemoteName, rec.Method,
		rec.Result, rec.DialSource, rec.Missed, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByID returns one call record.
func (r *callHistoryRepo) GetByID(ctx context.Context, id int64) (*models.CallRecord, error) {
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns the most recent call records.
func (r *callHistoryRepo) List(ctx context.Context, limit int) ([]models.CallRecord, error) {
	return r.list(ctx,
		`SELECT `+callRecordColumns+` FROM call_history
		 ORDER BY started_at DESC LIMIT ?`, limit)
}

// ListMissed returns the most recent missed-call records.
func (r *callHistoryRepo) ListMissed(ctx context.Context, limit int) ([]models.CallRecord, error) {
	return r.list(ctx,
		`SELECT `+callRecordColumns+` FROM call_history
		 WHERE missed = 1 ORDER BY started_at DESC LIMIT ?`, limit)
}

// LastDialed returns the most recent outgoing record.
func (r *callHistoryRepo) LastDialed(ctx context.Context) (*models.CallRecord, error) {
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_history
		 WHERE direction = 'outgoing' ORDER BY started_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// CountByDirection returns call counts grouped by direction.
func (r *callHistoryRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_history GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}

// CountMissed returns the number of missed-call records.
func (r *callHistoryRepo) CountMissed(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_history WHERE missed = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting missed calls: %w", err)
	}
	return n, nil
}

// Delete removes a call record.
func (r *callHistoryRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM call_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting call record: %w", err)
	}
	return nil
}

func (r *callHistoryRepo) list(ctx context.Context, query string, args ...any) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.Direction, &rec.DialString, &rec.RemoteName,
			&rec.Method, &rec.Result, &rec.DialSource, &rec.Missed,
			&rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := row.Scan(&rec.ID, &rec.Direction, &rec.DialString, &rec.RemoteName,
		&rec.Method, &rec.Result, &rec.DialSource, &rec.Missed,
		&rec.StartedAt, &rec.EndedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}
