// Package store keeps the history of finished transfers in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/transfer"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Record is one finished transfer.
type Record struct {
	TransferID    int64
	Direction     model.Direction
	LocalPath     string
	Remote        string
	Pool          string
	Bytes         int64
	Expected      *int64
	SubmittedAt   time.Time
	StartedAt     *time.Time
	FinishedAt    time.Time
	Success       bool
	FailureReason *string
}

type RecordRow struct {
	Record
	ID int64
}

func (r RecordRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d, transfer_id: %d, direction: %s, local: %q, remote: %q, success: %t",
		r.ID, r.TransferID, r.Direction, r.LocalPath, r.Remote, r.Success)
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	return sb.String()
}

// Duration is the time from submission to the outcome.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.SubmittedAt)
}

// NewRecord builds the record of a transfer that ended with err.
func NewRecord(s transfer.Status, err error) Record {
	r := Record{
		TransferID:  s.ID,
		Direction:   s.Direction,
		LocalPath:   s.Path,
		Remote:      s.Remote,
		Pool:        s.Pool,
		Bytes:       s.Transferred(),
		Expected:    s.ExpectedSize,
		SubmittedAt: s.SubmittedAt,
		FinishedAt:  s.FinishedAt,
		Success:     err == nil,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		r.StartedAt = &started
	}
	if err != nil {
		reason := err.Error()
		r.FailureReason = &reason
	}
	return r
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transfer_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			local_path TEXT NOT NULL,
			remote TEXT NOT NULL,
			pool TEXT NOT NULL DEFAULT '',
			bytes INTEGER NOT NULL DEFAULT 0,
			expected INTEGER DEFAULT NULL,
			submitted_at INTEGER NOT NULL,
			started_at INTEGER DEFAULT NULL,
			finished_at INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err == nil {
		_, err = db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS transfers_finished_at ON transfers (finished_at)`,
		)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
	}
}

// Insert stores r and returns its row id.
func Insert(ctx context.Context, db *sql.DB, r Record) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(ctx, tx)

	var started *int64
	if r.StartedAt != nil {
		n := r.StartedAt.UnixNano()
		started = &n
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO transfers (
			transfer_id, direction, local_path, remote, pool, bytes, expected,
			submitted_at, started_at, finished_at, success, failure_reason
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?);`,
		r.TransferID, string(r.Direction), r.LocalPath, r.Remote, r.Pool, r.Bytes, r.Expected,
		r.SubmittedAt.UnixNano(), started, r.FinishedAt.UnixNano(), r.Success, r.FailureReason,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetching inserted id failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return id, nil
}

const columns = `id, transfer_id, direction, local_path, remote, pool, bytes, expected,
	submitted_at, started_at, finished_at, success, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (RecordRow, error) {
	var (
		row                 RecordRow
		direction           string
		submitted, finished int64
		started             *int64
	)
	err := s.Scan(
		&row.ID,
		&row.TransferID,
		&direction,
		&row.LocalPath,
		&row.Remote,
		&row.Pool,
		&row.Bytes,
		&row.Expected,
		&submitted,
		&started,
		&finished,
		&row.Success,
		&row.FailureReason,
	)
	if err != nil {
		return RecordRow{}, err
	}
	row.Direction = model.Direction(direction)
	row.SubmittedAt = time.Unix(0, submitted).UTC()
	row.FinishedAt = time.Unix(0, finished).UTC()
	if started != nil {
		t := time.Unix(0, *started).UTC()
		row.StartedAt = &t
	}
	return row, nil
}

// Get returns the row id, or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, id int64) (RecordRow, error) {
	row, err := scan(db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM transfers WHERE id=?`, id,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RecordRow{}, ErrNotFound
	case err != nil:
		return RecordRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// Recent returns up to limit rows, most recently finished first. Failed
// restricts the result to failed transfers.
func Recent(ctx context.Context, db *sql.DB, limit int, failed bool) ([]RecordRow, error) {
	query := `SELECT ` + columns + ` FROM transfers`
	if failed {
		query += ` WHERE success = false`
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []RecordRow
	for rows.Next() {
		row, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return ret, nil
}

// Prune deletes transfers finished before the given time and returns how
// many were removed.
func Prune(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(ctx, tx)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM transfers WHERE finished_at < ?`, before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return ra, nil
}

// History records finished transfers.
type History struct {
	db *sql.DB
}

var _ transfer.Observer = History{}

func NewHistory(db *sql.DB) History {
	return History{db: db}
}

func (h History) TransferFinished(ctx context.Context, s transfer.Status, err error) {
	id, ierr := Insert(ctx, h.db, NewRecord(s, err))
	if ierr != nil {
		slog.ErrorContext(ctx, "recording transfer failed", "error", ierr)
		return
	}
	slog.DebugContext(ctx, "transfer recorded", "row", id)
}
