package core

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// Cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is the number of milliseconds a connection waits on a locked database.
	BusyTimeout int
	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool
}

func (o *SQLiteDBOption) query() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if o.Mode != "" {
		q.Set("mode", o.Mode)
	}
	if o.Cache != "" {
		q.Set("cache", o.Cache)
	}
	if o.JournalMode != "" {
		q.Set("_journal_mode", o.JournalMode)
	}
	if o.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.Itoa(o.BusyTimeout))
	}
	if o.ForeignKeys {
		q.Set("_foreign_keys", "on")
	}
	return q
}

// DSN returns the go-sqlite3 data source name for file.
func (o *SQLiteDBOption) DSN(file string) string {
	dsn := "file:" + file
	if q := o.query(); len(q) > 0 {
		dsn += "?" + q.Encode()
	}
	return dsn
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

// NewSQLiteDB opens the database file. The pool is limited to a single
// connection: SQLite serializes writers anyway and a single connection keeps
// in-memory databases alive for the lifetime of the pool.
func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	d.SetMaxOpenConns(1)
	d.SetConnMaxIdleTime(0)
	d.SetConnMaxLifetime(0)

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	migrationfs := os.DirFS(db.migrationDir)
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}

	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
