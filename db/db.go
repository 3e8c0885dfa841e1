package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db  *sql.DB
	log *slog.Logger
}

const txTimeout = 5 * time.Second

// Open opens (or creates) the sqlite database at path and runs the migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_time_format=sqlite", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{db: sqlDB, log: util.NewLogger("db")}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	db.log.Debug("Database initialized", "path", path)
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// wrapTransaction runs f in its own transaction. A busy database restarts the whole
// transaction a bounded number of times.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	return retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), txTimeout)
			defer cancel()
			tx, err := db.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("starting transaction: %w", err)
			}
			if err := f(tx); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("committing transaction: %w", err)
			}
			return nil
		},
		retry.RetryIf(isBusy),
		retry.Attempts(5),
		retry.Delay(20*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
