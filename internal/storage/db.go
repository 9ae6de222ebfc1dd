// Package storage is the projection: a derived SQLite view of the
// per-review event logs. It is a cache, never a source of truth; the
// whole database can be rebuilt at any time by replaying every log.
package storage

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bobisme/botcrit/internal/crit"
)

const schema = `
CREATE TABLE IF NOT EXISTS reviews (
  review_id TEXT PRIMARY KEY,
  scm_kind TEXT NOT NULL DEFAULT '',
  scm_anchor TEXT NOT NULL DEFAULT '',
  initial_commit TEXT NOT NULL,
  final_commit TEXT,
  title TEXT NOT NULL,
  description TEXT,
  author TEXT NOT NULL,
  created_at TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('open','approved','merged','abandoned')) DEFAULT 'open',
  status_changed_at TEXT,
  status_changed_by TEXT,
  abandon_reason TEXT
);

CREATE TABLE IF NOT EXISTS review_reviewers (
  review_id TEXT NOT NULL,
  reviewer TEXT NOT NULL,
  requested_at TEXT NOT NULL,
  requested_by TEXT NOT NULL,
  PRIMARY KEY (review_id, reviewer)
);

CREATE TABLE IF NOT EXISTS reviewer_votes (
  review_id TEXT NOT NULL,
  reviewer TEXT NOT NULL,
  vote TEXT NOT NULL CHECK(vote IN ('lgtm','block')),
  message TEXT,
  voted_at TEXT NOT NULL,
  PRIMARY KEY (review_id, reviewer)
);

CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  review_id TEXT NOT NULL,
  file_path TEXT NOT NULL,
  selection_type TEXT NOT NULL,
  selection_start INTEGER NOT NULL,
  selection_end INTEGER NOT NULL,
  commit_hash TEXT NOT NULL,
  author TEXT NOT NULL,
  created_at TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('open','resolved')) DEFAULT 'open',
  status_changed_at TEXT,
  status_changed_by TEXT,
  resolve_reason TEXT,
  reopen_reason TEXT,
  next_comment_number INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS comments (
  comment_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  number INTEGER NOT NULL,
  body TEXT NOT NULL,
  author TEXT NOT NULL,
  created_at TEXT NOT NULL,
  request_id TEXT
);

CREATE TABLE IF NOT EXISTS review_logs (
  review_id TEXT PRIMARY KEY,
  log_len INTEGER NOT NULL,
  log_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  watermark TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
CREATE INDEX IF NOT EXISTS idx_reviews_author ON reviews(author);
CREATE INDEX IF NOT EXISTS idx_reviews_anchor ON reviews(scm_anchor);
CREATE INDEX IF NOT EXISTS idx_threads_review ON threads(review_id);
CREATE INDEX IF NOT EXISTS idx_comments_thread ON comments(thread_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_comments_request ON comments(request_id) WHERE request_id IS NOT NULL;
`

// DB wraps the projection database.
type DB struct {
	*sql.DB
}

// Open opens or creates the projection database at dbPath and ensures
// the schema exists.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, crit.Storage(err, "create %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, crit.Storage(err, "open projection database %s", dbPath)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, crit.Storage(err, "initialize projection schema")
	}
	return &DB{db}, nil
}

// projectionTables lists every derived table, wiped on rebuild.
// sync_state and review_logs go too: fingerprints and the watermark are
// only meaningful relative to applied state.
var projectionTables = []string{
	"comments", "threads", "reviewer_votes", "review_reviewers",
	"reviews", "review_logs", "sync_state",
}

func wipeTx(tx *sql.Tx) error {
	for _, table := range projectionTables {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return crit.Storage(err, "wipe %s", table)
		}
	}
	return nil
}

// Watermark returns the last sync watermark, or "" before the first sync.
func (db *DB) Watermark() (string, error) {
	var w string
	err := db.QueryRow(`SELECT watermark FROM sync_state WHERE id = 1`).Scan(&w)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", crit.Storage(err, "read sync watermark")
	}
	return w, nil
}
