package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    stream TEXT NOT NULL,
    id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    data TEXT NOT NULL,
    UNIQUE(stream, id)
);

CREATE INDEX IF NOT EXISTS idx_history_entries_stream_ts ON history_entries(stream, timestamp);
`

// SQLiteBackend stores entries in a shared SQLite database
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the history table on db. The caller owns db.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("running history migrations: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, stream Stream, entries []Entry, limit int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		// Delete then insert so a replaced entry gets a fresh sequence.
		if _, err := tx.ExecContext(ctx, "DELETE FROM history_entries WHERE stream = ? AND id = ?", stream, e.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_entries (stream, id, timestamp, data) VALUES (?, ?, ?, ?)
		`, stream, e.ID, e.Timestamp, string(e.Data)); err != nil {
			return err
		}
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM history_entries
			WHERE stream = ? AND seq NOT IN (
				SELECT seq FROM history_entries WHERE stream = ?
				ORDER BY timestamp DESC, seq DESC LIMIT ?
			)
		`, stream, stream, limit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Load(ctx context.Context, stream Stream) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, timestamp, data FROM history_entries
		WHERE stream = ? ORDER BY timestamp DESC, seq DESC
	`, stream)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			data string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &data); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, stream Stream, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, stream)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM history_entries WHERE stream = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLiteBackend) Clear(ctx context.Context, stream Stream) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM history_entries WHERE stream = ?", stream)
	return err
}

// Close is a no-op; the database belongs to the task store
func (b *SQLiteBackend) Close() error { return nil }
