// Package store provides durable SQLite persistence for the request
// queue. One database file per store, one table per database, keyed by
// an auto-incrementing integer so storage order is insertion order.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/restsync/restsync/internal/errors"
	"github.com/restsync/restsync/internal/models"
)

// DefaultDBName is the database name used when the caller does not
// configure one.
const DefaultDBName = "rest-sync-lite"

// Store owns one open queue database. Safe for concurrent use; SQLite
// serializes writers underneath.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the queue database under dir and
// migrates it to the current schema version. The open is idempotent at
// the filesystem level: reopening the same dir and name binds to the
// same database.
func Open(dir, name string) (*Store, error) {
	if name == "" {
		name = DefaultDBName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEnvironment, "create data directory", err)
	}

	path := filepath.Join(dir, name+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEnvironment, "open database", err)
	}

	// SQLite supports one writer; funnel everything through a single
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrEnvironment, "enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrEnvironment, "enable foreign keys", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Delete removes the database files for dir and name. The store bound
// to them must be closed first.
func Delete(dir, name string) error {
	if name == "" {
		name = DefaultDBName
	}
	path := filepath.Join(dir, name+".db")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.ErrStorage, "delete database", err)
		}
	}
	return nil
}

// Add persists an item and returns its internal key.
func (s *Store) Add(ctx context.Context, item *models.QueuedRequest) (int64, error) {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "encode headers", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_queue
			(id, url, method, headers_json, body, body_kind, body_boundary,
			 timestamp, retry_count, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.URL, item.Method, string(headers),
		item.Body.Data, string(item.Body.Kind), item.Body.Boundary,
		item.Timestamp, item.RetryCount, string(item.Priority),
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "insert queue item", err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "read insert key", err)
	}
	return key, nil
}

const selectColumns = `key, id, url, method, headers_json, body, body_kind, body_boundary,
	timestamp, retry_count, priority`

// PeekFirst returns the oldest entry in storage order, or ok=false when
// the store is empty.
func (s *Store) PeekFirst(ctx context.Context) (int64, *models.QueuedRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM request_queue
		ORDER BY key ASC
		LIMIT 1
	`)
	return scanPeek(row)
}

// PeekFirstByPriority returns the oldest entry of one priority class.
func (s *Store) PeekFirstByPriority(ctx context.Context, p models.Priority) (int64, *models.QueuedRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM request_queue
		WHERE priority = ?
		ORDER BY key ASC
		LIMIT 1
	`, string(p))
	return scanPeek(row)
}

// Get returns the entry stored under key, or ok=false when absent.
func (s *Store) Get(ctx context.Context, key int64) (*models.QueuedRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM request_queue
		WHERE key = ?
	`, key)
	_, item, ok, err := scanPeek(row)
	return item, ok, err
}

// Update overwrites the entry stored under key.
func (s *Store) Update(ctx context.Context, key int64, item *models.QueuedRequest) error {
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "encode headers", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE request_queue
		SET id = ?, url = ?, method = ?, headers_json = ?, body = ?,
		    body_kind = ?, body_boundary = ?, timestamp = ?, retry_count = ?,
		    priority = ?
		WHERE key = ?
	`,
		item.ID, item.URL, item.Method, string(headers),
		item.Body.Data, string(item.Body.Kind), item.Body.Boundary,
		item.Timestamp, item.RetryCount, string(item.Priority),
		key,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "update queue item", err)
	}
	return nil
}

// Remove deletes the entry stored under key and reports whether a row
// was removed. Removing an absent key is a no-op: a concurrent drainer
// or a cancel may already have taken it.
func (s *Store) Remove(ctx context.Context, key int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_queue WHERE key = ?`, key)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "remove queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "read rows affected", err)
	}
	return n > 0, nil
}

// RemoveByID deletes the first entry whose logical id matches, and
// reports whether one was removed.
func (s *Store) RemoveByID(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM request_queue
		WHERE key = (SELECT key FROM request_queue WHERE id = ? ORDER BY key ASC LIMIT 1)
	`, id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "remove queue item by id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "read rows affected", err)
	}
	return n > 0, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "count queue items", err)
	}
	return n, nil
}

// ListAll returns every entry in storage order.
func (s *Store) ListAll(ctx context.Context) ([]models.QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM request_queue
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list queue items", err)
	}
	defer rows.Close()

	var items []models.QueuedRequest
	for rows.Next() {
		_, item, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list queue items", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (int64, *models.QueuedRequest, error) {
	var (
		key         int64
		item        models.QueuedRequest
		headersJSON string
		bodyKind    string
		boundary    string
		priority    string
	)
	err := row.Scan(
		&key, &item.ID, &item.URL, &item.Method, &headersJSON,
		&item.Body.Data, &bodyKind, &boundary,
		&item.Timestamp, &item.RetryCount, &priority,
	)
	if err != nil {
		return 0, nil, err
	}
	if err := json.Unmarshal([]byte(headersJSON), &item.Headers); err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrStorage, "decode headers", err)
	}
	if item.Headers == nil {
		item.Headers = map[string]string{}
	}
	item.Body.Kind = models.BodyKind(bodyKind)
	item.Body.Boundary = boundary
	item.Priority = models.Priority(priority)
	return key, &item, nil
}

func scanPeek(row *sql.Row) (int64, *models.QueuedRequest, bool, error) {
	key, item, err := scanRow(row)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, apperrors.Wrap(apperrors.ErrStorage, "read queue item", err)
	}
	return key, item, true, nil
}
