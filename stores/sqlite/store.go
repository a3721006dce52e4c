package sqlite

import (
	"context"
	"database/sql"
	"log"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// scalar values live in the same table as hash fields, under the empty
// field name.
const scalarField = ""

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-based store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	kvTableStmt := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT NOT NULL,
		field TEXT NOT NULL DEFAULT '',
		value BLOB,
		expires_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (key, field)
	);`
	if _, err = db.Exec(kvTableStmt); err != nil {
		log.Fatalf("failed to create kv table: %v", err)
	}

	return &sqliteStore{db}
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

// purgeExpired drops every row of a key whose expiry stamp has passed. All
// rows of a key share the stamp, so checking one row is enough.
func (s *sqliteStore) purgeExpired(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND expires_at > 0 AND expires_at < ?",
		key, time.Now().UnixNano())
	return err
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ? AND field = ?", key, scalarField).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		logrus.WithError(err).WithField("key", key).Error("Failed to read value")
		return nil, err
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, field, value, expires_at) VALUES (?, ?, ?, ?)",
		key, scalarField, value, expiresAt(ttl))
	if err != nil {
		logrus.WithError(err).WithField("key", key).Error("Failed to write value")
	}
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

func (s *sqliteStore) SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Drop dead rows first: the TTL refresh below must not resurrect
	// fields that already expired.
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND expires_at > 0 AND expires_at < ?",
		key, time.Now().UnixNano()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, field, value, expires_at) VALUES (?, ?, ?, ?)",
		key, field, value, expiresAt(ttl)); err != nil {
		return err
	}
	// Field writes refresh the TTL of the whole key.
	if _, err = tx.ExecContext(ctx,
		"UPDATE kv SET expires_at = ? WHERE key = ?", expiresAt(ttl), key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Fields(ctx context.Context, key string) (map[string][]byte, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT field, value FROM kv WHERE key = ? AND field != ?", key, scalarField)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		fields[field] = value
	}
	return fields, rows.Err()
}

func (s *sqliteStore) DeleteField(ctx context.Context, key, field string) (int, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND field = ?", key, field); err != nil {
		return 0, err
	}

	var remaining int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv WHERE key = ? AND field != ?", key, scalarField).Scan(&remaining)
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
