package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// sqliteKV is an alternative durable backend for deployments that want to
// inspect the store with standard SQL tooling. One table holds every
// bucket; uniqueness is delegated to the primary key.
type sqliteKV struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);`

// NewSqliteKV opens (or creates) the sqlite database at path.
func NewSqliteKV(path string) (KV, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(500)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %q: %w", path, err)
	}
	// The sqlite driver serializes writes; more than one writer conn just
	// queues on the file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	log.Printf("[STORE] sqlite store opened at %s", path)
	return &sqliteKV{db: db}, nil
}

func (s *sqliteKV) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *sqliteKV) Put(bucket, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value,
	)
	return err
}

// PutIfAbsent relies on the primary key: a conflicting insert is a no-op
// and reports zero affected rows.
func (s *sqliteKV) PutIfAbsent(bucket, key string, value []byte) error {
	res, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO NOTHING`,
		bucket, key, value,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

// Increment is atomic through the upsert: the new counter value is computed
// inside the statement and read back with RETURNING.
func (s *sqliteKV) Increment(bucket, key string) (uint64, error) {
	var n uint64
	err := s.db.QueryRow(
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = value + 1
		 RETURNING CAST(value AS INTEGER)`,
		bucket, key, 1,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteKV) Close() error {
	return s.db.Close()
}
