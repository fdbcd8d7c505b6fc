// Package audit records one row per chat request for operators.
// Only request metadata is stored, never message content.
// If opening the DB or executing queries fails, the store falls back to
// in-memory storage.
package audit

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatgw/internal/logger"
)

// maxMemoryEntries bounds the in-memory fallback.
const maxMemoryEntries = 1000

// Entry describes the outcome of a single chat request.
type Entry struct {
	ID        int64         `json:"id"`
	RequestID string        `json:"request_id"`
	ReplyID   string        `json:"reply_id,omitempty"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Status    int           `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Messages  int           `json:"messages"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store persists entries in SQLite with an in-memory fallback. Entries that
// only live in memory get negative ids so they never collide with rows.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// Open opens (and creates) the SQLite database at path. An empty path or
// any database failure yields a memory-only store.
func Open(path string) *Store {
	s := &Store{}
	if path == "" {
		return s
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory audit log", "error", err)
		return s
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS requests (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT,
        reply_id TEXT,
        provider TEXT,
        model TEXT,
        status INTEGER,
        error_kind TEXT,
        messages INTEGER,
        duration_ms INTEGER,
        created_at DATETIME
    );`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory audit log", "error", err)
		_ = db.Close()
		return s
	}
	logger.L.Info("sqlite audit DB initialized", "path", path)
	s.db = db
	return s
}

// Record stores e. Failures are logged, never returned: the audit log must
// not affect the chat response.
func (s *Store) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if s.db != nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO requests (request_id, reply_id, provider, model, status, error_kind, messages, duration_ms, created_at) VALUES (?,?,?,?,?,?,?,?,?);`,
			e.RequestID, e.ReplyID, e.Provider, e.Model, e.Status, e.ErrorKind, e.Messages, e.Duration.Milliseconds(), e.CreatedAt)
		if err == nil {
			return
		}
		logger.From(ctx).Error("failed to store audit entry in sqlite; falling back to memory", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID--
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	if len(s.entries) > maxMemoryEntries {
		s.entries = s.entries[len(s.entries)-maxMemoryEntries:]
	}
}

// Recent returns up to limit entries, newest first. Rows from SQLite and
// entries kept in memory after a failed insert are merged by CreatedAt.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []Entry
	if s.db != nil {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, request_id, reply_id, provider, model, status, error_kind, messages, duration_ms, created_at FROM requests ORDER BY id DESC LIMIT ?;`, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e     Entry
				reply sql.NullString
				ms    int64
			)
			if err := rows.Scan(&e.ID, &e.RequestID, &reply, &e.Provider, &e.Model, &e.Status, &e.ErrorKind, &e.Messages, &ms, &e.CreatedAt); err != nil {
				return nil, err
			}
			e.ReplyID = reply.String
			e.Duration = time.Duration(ms) * time.Millisecond
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for i := len(s.entries) - 1; i >= 0 && len(s.entries)-i <= limit; i-- {
		out = append(out, s.entries[i])
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Entry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
