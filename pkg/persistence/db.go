// Package persistence provides the SQLite usage ledger. Session state itself is
// never stored; the ledger only records finished launches.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

// Ledger is an append-only store of usage reports.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens or creates the ledger database at dbPath and brings its schema up
// to date. ":memory:" gives a private in-memory ledger.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l := &Ledger{db: db, path: dbPath, logger: logx.NewLogger("persistence")}
	l.logger.Info("Usage ledger opened: %s", dbPath)
	return l, nil
}

// Path returns the database location.
func (l *Ledger) Path() string {
	return l.path
}

// DB exposes the underlying connection.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
