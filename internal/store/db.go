package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Driver names registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// sqlitePragmas apply to every pooled connection.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// DriverFor picks the driver for a DATABASE_URL: PostgreSQL URLs use pgx,
// anything else is a SQLite file path.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open opens (or creates) the database named by dsn.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	driver := DriverFor(dsn)
	if driver == DriverPostgres {
		db, err := sqlx.ConnectContext(ctx, driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return db, nil
	}
	return OpenSQLite(dsn)
}

// OpenSQLite opens (or creates) a SQLite database at the given path.
func OpenSQLite(path string) (*sqlx.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	raw, err := sql.Open(DriverSQLite, path+sep+sqlitePragmas)
	if err != nil {
		return nil, err
	}
	// One connection per process; other processes wait on busy_timeout.
	raw.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := raw.Exec("PRAGMA journal_mode=WAL"); err != nil {
		raw.Close()
		return nil, err
	}
	return sqlx.NewDb(raw, DriverSQLite), nil
}
