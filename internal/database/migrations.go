package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "proposals and courses",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS trend_proposals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    source_url TEXT,
    title TEXT NOT NULL,
    description TEXT,
    keywords TEXT,
    trend_score REAL DEFAULT 0,
    course_proposal TEXT,
    source_excerpt TEXT,
    status TEXT NOT NULL DEFAULT 'NEW'
        CHECK(status IN ('NEW', 'APPROVED', 'REJECTED', 'GENERATING', 'COMPLETED', 'FAILED')),
    course_id INTEGER,
    failure_reason TEXT,
    failed_sections TEXT,
    generation_started_at TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now')),
    UNIQUE(source, source_id)
);

CREATE TABLE IF NOT EXISTS courses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposal_id INTEGER REFERENCES trend_proposals(id),
    title TEXT NOT NULL,
    description TEXT,
    category_id INTEGER,
    provider_id INTEGER,
    language TEXT,
    level TEXT,
    curriculum_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'DRAFT'
        CHECK(status IN ('DRAFT', 'PENDING', 'PUBLISHED', 'ARCHIVED')),
    generation_cost_usd REAL NOT NULL DEFAULT 0,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    ai_model TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now')),
    published_at TEXT
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "status indexes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_trend_proposals_status ON trend_proposals(status);
CREATE INDEX IF NOT EXISTS idx_courses_status ON courses(status);
CREATE INDEX IF NOT EXISTS idx_courses_proposal ON courses(proposal_id);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "generation heartbeat",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
ALTER TABLE trend_proposals ADD COLUMN heartbeat_at TEXT;
UPDATE trend_proposals SET heartbeat_at = generation_started_at WHERE status = 'GENERATING';
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
