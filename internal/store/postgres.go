package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend keeps account state in Postgres for server-side embeddings
// (bots, bridges) that already run a database.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend connects and ensures the state table exists.
func NewPostgresBackend(connStr string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS librelay_state (
			namespace TEXT  NOT NULL,
			key       TEXT  NOT NULL,
			value     BYTEA NOT NULL,
			PRIMARY KEY (namespace, key)
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) Set(namespace, key string, value []byte) error {
	_, err := p.db.Exec(
		`INSERT INTO librelay_state (namespace, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`,
		namespace, key, value)
	return err
}

func (p *PostgresBackend) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRow(
		`SELECT value FROM librelay_state WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *PostgresBackend) Remove(namespace, key string) error {
	_, err := p.db.Exec(
		`DELETE FROM librelay_state WHERE namespace = $1 AND key = $2`,
		namespace, key)
	return err
}

func (p *PostgresBackend) Has(namespace, key string) (bool, error) {
	var one int
	err := p.db.QueryRow(
		`SELECT 1 FROM librelay_state WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresBackend) Keys(namespace, prefix string) ([]string, error) {
	rows, err := p.db.Query(
		`SELECT key FROM librelay_state
		 WHERE namespace = $1 AND key LIKE $2 ESCAPE '\' ORDER BY key`,
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

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}
