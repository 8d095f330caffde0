package store

import (
	"fmt"

	apperrors "github.com/restsync/restsync/internal/errors"
	"github.com/restsync/restsync/internal/logging"
)

// schemaVersion is the version this build writes. Version 1 created the
// bare queue table; version 2 added the priority column and its
// secondary index. Databases from older builds upgrade in place.
const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS request_queue (
  key           INTEGER PRIMARY KEY AUTOINCREMENT,
  id            TEXT NOT NULL,
  url           TEXT NOT NULL,
  method        TEXT NOT NULL,
  headers_json  TEXT NOT NULL DEFAULT '{}',
  body          BLOB,
  body_kind     TEXT NOT NULL DEFAULT 'empty',
  body_boundary TEXT NOT NULL DEFAULT '',
  timestamp     INTEGER NOT NULL,
  retry_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_request_queue_id ON request_queue(id);
`

const schemaV2 = `
ALTER TABLE request_queue ADD COLUMN priority TEXT NOT NULL DEFAULT 'normal';
CREATE INDEX IF NOT EXISTS priority_idx ON request_queue(priority);
`

var migrations = []string{schemaV1, schemaV2}

// migrate brings the database to schemaVersion. Each step runs in its
// own transaction; user_version records progress so a reopened database
// resumes where it stopped.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "read schema version", err)
	}
	if current > schemaVersion {
		return apperrors.New(apperrors.ErrStorage,
			fmt.Sprintf("database schema version %d is newer than supported %d", current, schemaVersion))
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(v, migrations[v-1]); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage,
				fmt.Sprintf("apply schema migration %d", v), err)
		}
		logging.Debug("applied schema migration", map[string]any{
			"version": v,
			"path":    s.path,
		})
	}
	return nil
}

func (s *Store) applyMigration(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
