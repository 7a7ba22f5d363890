package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// ErrTaskNotFound is returned when a task id does not exist
var ErrTaskNotFound = errors.New("task not found")

const settingWakeupEnabled = "wakeup_enabled"

// Store provides SQLite-backed persistence for wakeup tasks and settings
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle so other stores can share the file
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ListTasks returns all tasks in their saved order
func (s *Store) ListTasks(ctx context.Context) ([]domain.WakeupTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, created_at, last_run_at, schedule
		FROM wakeup_tasks ORDER BY position, created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.WakeupTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.WakeupTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, created_at, last_run_at, schedule
		FROM wakeup_tasks WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*domain.WakeupTask, error) {
	var (
		task     domain.WakeupTask
		lastRun  sql.NullInt64
		schedule string
	)
	if err := sc.Scan(&task.ID, &task.Name, &task.Enabled, &task.CreatedAt, &lastRun, &schedule); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		task.LastRunAt = lastRun.Int64
	}
	var wire domain.ScheduleWire
	if err := json.Unmarshal([]byte(schedule), &wire); err != nil {
		return nil, fmt.Errorf("decoding schedule of task %s: %w", task.ID, err)
	}
	task.Schedule = NormalizeSchedule(wire)
	return &task, nil
}

// UpsertTask inserts or updates a task. New tasks are placed first.
func (s *Store) UpsertTask(ctx context.Context, task *domain.WakeupTask) error {
	schedule, err := json.Marshal(task.Schedule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wakeup_tasks (id, name, enabled, position, created_at, last_run_at, schedule)
		VALUES (?, ?, ?, (SELECT COALESCE(MIN(position), 0) - 1 FROM wakeup_tasks), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			last_run_at = excluded.last_run_at,
			schedule = excluded.schedule
	`,
		task.ID,
		task.Name,
		task.Enabled,
		task.CreatedAt,
		nullMillis(task.LastRunAt),
		string(schedule),
	)
	return err
}

// ReplaceTasks overwrites the whole task list, keeping the given order
func (s *Store) ReplaceTasks(ctx context.Context, tasks []domain.WakeupTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM wakeup_tasks"); err != nil {
		return err
	}
	for i, task := range tasks {
		schedule, err := json.Marshal(task.Schedule)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wakeup_tasks (id, name, enabled, position, created_at, last_run_at, schedule)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, task.ID, task.Name, task.Enabled, i, task.CreatedAt, nullMillis(task.LastRunAt), string(schedule)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM wakeup_tasks WHERE id = ?", id)
	return err
}

// SetTaskEnabled flips the enabled flag of one task
func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE wakeup_tasks SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MarkRun records when a task last fired
func (s *Store) MarkRun(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE wakeup_tasks SET last_run_at = ? WHERE id = ?", at, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// WakeupEnabled returns the global enabled flag; it defaults to false
func (s *Store) WakeupEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", settingWakeupEnabled).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}

// SetWakeupEnabled persists the global enabled flag
func (s *Store) SetWakeupEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, settingWakeupEnabled, strconv.FormatBool(enabled))
	return err
}

func nullMillis(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms > 0}
}
