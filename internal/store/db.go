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

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type dbOps interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	Rebind(query string) string
	DriverName() string
}

// DB is the storage handle. Inside RunInTx the same type wraps the
// transaction, so every query method works in both modes.
type DB struct {
	dbOps
	root *sqlx.DB
	inTx bool
}

// Open connects with the given driver and applies the schema.
func Open(driver, dsn string) (*DB, error) {
	var schema string
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		schema = Schema
	case DriverPostgres:
		schema = PostgresSchema()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{dbOps: db, root: db}, nil
}

func NewSQLiteDB(path string) (*DB, error) {
	return Open(DriverSQLite, path)
}

// sqliteDSN sets the pragmas on every pooled connection rather than only on
// the first one.
func sqliteDSN(path string) string {
	params := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)&_time_format=sqlite&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// RunInTx runs fn inside one transaction. Calling it on a handle that is
// already transactional runs fn directly in the enclosing transaction.
func (db *DB) RunInTx(ctx context.Context, fn func(tx *DB) error) error {
	if db.inTx {
		return fn(db)
	}

	tx, err := db.root.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	txDB := &DB{
		dbOps: tx,
		root:  db.root,
		inTx:  true,
	}

	if err := fn(txDB); err != nil {
		return err
	}
	return wrap("commit", tx.Commit())
}

func (db *DB) Ping(ctx context.Context) error {
	return db.root.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.root.Close()
}

// rowsChanged reports whether an exec touched at least one row.
func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
