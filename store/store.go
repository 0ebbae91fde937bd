// Package store persists large tool outputs so callers can fetch them by id
// instead of receiving them inline.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no output has the requested id.
var ErrNotFound = errors.New("output not found")

// Output is a stored tool result.
type Output struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Method    string    `json:"method"`
	Content   string    `json:"content,omitempty"`
	IsError   bool      `json:"is_error"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists tool outputs.
type Store interface {
	// Put saves an output and returns its new id.
	Put(out Output) (string, error)

	// Get returns one output including its content.
	Get(id string) (Output, error)

	// List returns recent outputs without content, newest first. An empty
	// tool matches every tool.
	List(tool string, limit int) ([]Output, error)

	// Delete removes an output.
	Delete(id string) error

	// Close closes the store.
	Close() error
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// creates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outputs (
		id         TEXT PRIMARY KEY,
		tool       TEXT NOT NULL,
		method     TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		is_error   INTEGER NOT NULL DEFAULT 0,
		size       INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_outputs_tool ON outputs(tool);
	CREATE INDEX IF NOT EXISTS idx_outputs_created ON outputs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put saves an output under a fresh id.
func (s *SQLiteStore) Put(out Output) (string, error) {
	id := uuid.NewString()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if out.Size == 0 {
		out.Size = len(out.Content)
	}

	_, err := s.db.Exec(
		`INSERT INTO outputs (id, tool, method, content, is_error, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, out.Tool, out.Method, out.Content, out.IsError, out.Size, out.CreatedAt,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns one output by id.
func (s *SQLiteStore) Get(id string) (Output, error) {
	var out Output
	err := s.db.QueryRow(
		`SELECT id, tool, method, content, is_error, size, created_at
		 FROM outputs WHERE id = ?`, id,
	).Scan(&out.ID, &out.Tool, &out.Method, &out.Content, &out.IsError, &out.Size, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Output{}, ErrNotFound
	}
	return out, err
}

// List returns output metadata, newest first.
func (s *SQLiteStore) List(tool string, limit int) ([]Output, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, tool, method, is_error, size, created_at
		 FROM outputs WHERE (? = '' OR tool = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, tool, tool, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []Output
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.ID, &o.Tool, &o.Method, &o.IsError, &o.Size, &o.CreatedAt); err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// Delete removes an output by id.
func (s *SQLiteStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM outputs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
