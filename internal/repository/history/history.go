package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
)

// DefaultRetention is the number of attempts kept after each insert.
const DefaultRetention = 100

const schema = `CREATE TABLE IF NOT EXISTS attempts(
	id INTEGER PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	outcome TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	from_version TEXT NOT NULL DEFAULT '',
	to_version TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
);`

// Store is the attempt history backed by SQLite.
type Store struct {
	db        *sql.DB
	retention int
}

// Open opens (creating if needed) the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer per process; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create attempts table: %w", err)
	}

	return &Store{db: db, retention: DefaultRetention}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Record appends a result and prunes rows beyond the retention limit.
func (s *Store) Record(ctx context.Context, result *update.Result) error {
	startedAt := result.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (attempt_id, started_at, outcome, category, from_version, to_version, reason, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		result.AttemptID,
		startedAt.UTC().Format(time.RFC3339Nano),
		string(result.Outcome),
		string(result.Category),
		result.From,
		result.To,
		result.Reason,
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE id NOT IN (SELECT id FROM attempts ORDER BY id DESC LIMIT ?);`,
		s.retention,
	)
	if err != nil {
		return fmt.Errorf("failed to prune attempts: %w", err)
	}

	return nil
}

// List returns up to limit attempts, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*update.Result, error) {
	if limit <= 0 {
		limit = s.retention
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, started_at, outcome, category, from_version, to_version, reason, duration_ms
		FROM attempts ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select attempts: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []*update.Result

	for rows.Next() {
		var (
			result     update.Result
			startedAt  string
			outcome    string
			category   string
			durationMS int64
		)

		err = rows.Scan(
			&result.AttemptID,
			&startedAt,
			&outcome,
			&category,
			&result.From,
			&result.To,
			&result.Reason,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		if result.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse attempt time: %w", err)
		}

		result.Outcome = update.Outcome(outcome)
		result.Category = update.Category(category)
		result.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, &result)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return results, nil
}
