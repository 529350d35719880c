package store

import (
	"os"

	"github.com/forstalabs/librelay/internal/errs"
)

// Open builds a backend by name. dsn is backend-specific: a file path for
// sqlite, host:port for redis and consul, a connection string for postgres.
// The vault backend follows the usual VAULT_ADDR/VAULT_TOKEN environment
// convention.
func Open(kind, dsn string) (Backend, error) {
	switch kind {
	case "", "sqlite":
		if dsn == "" {
			dsn = "librelay.db"
		}
		return NewSQLiteBackend(dsn)
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(dsn, os.Getenv("REDIS_PASSWORD"), 0, "librelay")
	case "postgres":
		return NewPostgresBackend(dsn)
	case "consul":
		return NewConsulBackend(dsn, "librelay")
	case "vault":
		return NewVaultBackend(os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_TOKEN"), "secret", "librelay")
	default:
		return nil, errs.Newf(errs.Configuration, "unknown store backend %q", kind)
	}
}
