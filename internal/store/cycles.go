package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/riverrunner/internal/models"
)

// CycleLog records one row per daily cycle for auditing.
type CycleLog interface {
	StartCycle(ctx context.Context, startedAt time.Time) (*models.CycleRun, error)
	CompleteCycle(ctx context.Context, c *models.CycleRun) error
	RecentCycles(ctx context.Context, limit int) ([]models.CycleRun, error)
}

func (s *SQLiteStore) StartCycle(ctx context.Context, startedAt time.Time) (*models.CycleRun, error) {
	c := &models.CycleRun{StartedAt: startedAt.UTC()}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (started_at, refresh_ok, refresh_attempts, runs_succeeded, runs_failed)
		VALUES (?, FALSE, 0, 0, 0)
	`, unixNano(c.StartedAt))
	if err != nil {
		return nil, fail("sqlite: start cycle", err)
	}

	c.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fail("sqlite: start cycle id", err)
	}
	return c, nil
}

func (s *SQLiteStore) CompleteCycle(ctx context.Context, c *models.CycleRun) error {
	if c == nil {
		return nil
	}
	if c.FinishedAt.IsZero() {
		c.FinishedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE cycle_runs SET
			finished_at = ?,
			refresh_ok = ?,
			refresh_attempts = ?,
			runs_succeeded = ?,
			runs_failed = ?,
			error_message = ?
		WHERE id = ?
	`, unixNano(c.FinishedAt), c.RefreshOK, c.RefreshAttempts, c.RunsSucceeded, c.RunsFailed,
		nullString(c.ErrorMessage), c.ID)
	return fail("sqlite: complete cycle", err)
}

func (s *SQLiteStore) RecentCycles(ctx context.Context, limit int) ([]models.CycleRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, refresh_ok, refresh_attempts, runs_succeeded, runs_failed, error_message
		FROM cycle_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fail("sqlite: recent cycles", err)
	}
	defer rows.Close()

	var out []models.CycleRun
	for rows.Next() {
		var c models.CycleRun
		var started int64
		var finished sql.NullInt64
		var msg sql.NullString
		if err := rows.Scan(&c.ID, &started, &finished, &c.RefreshOK, &c.RefreshAttempts,
			&c.RunsSucceeded, &c.RunsFailed, &msg); err != nil {
			return nil, fail("sqlite: scan cycle", err)
		}
		c.StartedAt = fromUnixNano(started)
		if finished.Valid {
			c.FinishedAt = fromUnixNano(finished.Int64)
		}
		c.ErrorMessage = msg.String
		out = append(out, c)
	}
	return out, fail("sqlite: recent cycles iterate", rows.Err())
}

func (s *PostgresStore) StartCycle(ctx context.Context, startedAt time.Time) (*models.CycleRun, error) {
	c := &models.CycleRun{StartedAt: startedAt.UTC()}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cycle_runs (started_at, refresh_ok, refresh_attempts, runs_succeeded, runs_failed)
		VALUES ($1, FALSE, 0, 0, 0)
		RETURNING id`, c.StartedAt).Scan(&c.ID)
	if err != nil {
		return nil, fail("postgres: start cycle", err)
	}
	return c, nil
}

func (s *PostgresStore) CompleteCycle(ctx context.Context, c *models.CycleRun) error {
	if c == nil {
		return nil
	}
	if c.FinishedAt.IsZero() {
		c.FinishedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE cycle_runs SET
			finished_at = $1,
			refresh_ok = $2,
			refresh_attempts = $3,
			runs_succeeded = $4,
			runs_failed = $5,
			error_message = $6
		WHERE id = $7`,
		c.FinishedAt.UTC(), c.RefreshOK, c.RefreshAttempts, c.RunsSucceeded, c.RunsFailed,
		nullString(c.ErrorMessage), c.ID)
	return fail("postgres: complete cycle", err)
}

func (s *PostgresStore) RecentCycles(ctx context.Context, limit int) ([]models.CycleRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, finished_at, refresh_ok, refresh_attempts, runs_succeeded, runs_failed, error_message
		FROM cycle_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fail("postgres: recent cycles", err)
	}
	defer rows.Close()

	var out []models.CycleRun
	for rows.Next() {
		var c models.CycleRun
		var finished *time.Time
		var msg *string
		if err := rows.Scan(&c.ID, &c.StartedAt, &finished, &c.RefreshOK, &c.RefreshAttempts,
			&c.RunsSucceeded, &c.RunsFailed, &msg); err != nil {
			return nil, fail("postgres: scan cycle", err)
		}
		c.StartedAt = c.StartedAt.UTC()
		if finished != nil {
			c.FinishedAt = finished.UTC()
		}
		if msg != nil {
			c.ErrorMessage = *msg
		}
		out = append(out, c)
	}
	return out, fail("postgres: recent cycles iterate", rows.Err())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
