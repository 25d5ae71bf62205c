// Package archive persists request-log entries evicted from the in-memory
// ring buffer into a SQLite table, giving /admin/api/v1/requests/archive a
// place to page through history older than the live buffer retains.
package archive

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/user/llm-proxy-go/internal/router"
)

// Store is a single-table append-only archive of evicted request-log
// entries, queryable by descending row id.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database file at path and
// ensures its schema exists. The gateway passes data_dir/requests_archive.db.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	client_ip TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	model TEXT,
	upstream_id TEXT,
	status INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	request_bytes INTEGER NOT NULL,
	response_bytes INTEGER NOT NULL,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER
);
CREATE INDEX IF NOT EXISTS idx_requests_ts_ms ON requests(ts_ms);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// OnEvict is the router.RequestsLog eviction callback: it inserts e as a
// new archive row. Errors are swallowed by the caller's fire-and-forget
// goroutine contract, so this logs nothing and simply best-efforts the
// insert.
func (s *Store) OnEvict(e router.RequestLogEntry) {
	_, _ = s.db.Exec(
		`INSERT INTO requests
			(request_id, ts_ms, client_ip, method, path, model, upstream_id,
			 status, latency_ms, request_bytes, response_bytes,
			 prompt_tokens, completion_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.TimestampMs, e.ClientIP, e.Method, e.Path, e.Model, e.UpstreamID,
		e.Status, e.LatencyMs, e.RequestBytes, e.ResponseBytes,
		e.PromptTokens, e.CompTokens, e.TotalTokens,
	)
}

// ArchivedEntry is one archived row, including the id used for
// before-id pagination.
type ArchivedEntry struct {
	ID            int64   `json:"id"`
	router.RequestLogEntry
}

// Recent returns up to limit archived entries in descending id order,
// optionally starting strictly before beforeID (beforeID <= 0 means "from
// the newest").
func (s *Store) Recent(limit int, beforeID int64) ([]ArchivedEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := `SELECT id, request_id, ts_ms, client_ip, method, path, model, upstream_id,
			status, latency_ms, request_bytes, response_bytes,
			prompt_tokens, completion_tokens, total_tokens
		FROM requests`
	args := []any{}
	if beforeID > 0 {
		query += " WHERE id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedEntry
	for rows.Next() {
		var e ArchivedEntry
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.TimestampMs, &e.ClientIP, &e.Method, &e.Path, &e.Model, &e.UpstreamID,
			&e.Status, &e.LatencyMs, &e.RequestBytes, &e.ResponseBytes,
			&e.PromptTokens, &e.CompTokens, &e.TotalTokens,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
