package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend is the default durable store for CLI and desktop embeddings.
// One table holds every namespace.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed creates) the store database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// sqlite allows exactly one writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	schema := `
		CREATE TABLE IF NOT EXISTS state (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Set(namespace, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO state (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return err
}

func (s *SQLiteBackend) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM state WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteBackend) Remove(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM state WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

func (s *SQLiteBackend) Has(namespace, key string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM state WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteBackend) Keys(namespace, prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM state WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
		namespace, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// likePrefix escapes LIKE metacharacters so a prefix match stays a prefix match.
func likePrefix(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			escaped += `\`
		}
		escaped += string(r)
	}
	return escaped + "%"
}
