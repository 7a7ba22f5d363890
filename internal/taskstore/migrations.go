package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS wakeup_tasks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    position INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_run_at INTEGER,
    schedule TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wakeup_tasks_position ON wakeup_tasks(position);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
