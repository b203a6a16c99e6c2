package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"spacebook/internal/events"
)

// SQLite stores records in a single entity-attribute-value table so any
// collection can be queried by any field without schema changes.
type SQLite struct {
	db     *sql.DB
	path   string
	bus    *events.EventBus
	logger *zerolog.Logger
}

// NewSQLite opens (or creates) the ledger database at path.
func NewSQLite(path string, bus *events.EventBus, logger *zerolog.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if bus == nil {
		bus = events.NewEventBus()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	logger.Info().Str("path", path).Msg("Ledger database initialized")
	return &SQLite{db: db, path: path, bus: bus, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id, field)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_lookup ON records(collection, field, value)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) NewID() string { return newID() }

func (s *SQLite) Put(ctx context.Context, collection, id string, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("clear %s/%s: %w", collection, id, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (collection, id, field, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for field, value := range rec {
		if _, err := stmt.ExecContext(ctx, collection, id, field, value); err != nil {
			return fmt.Errorf("insert %s/%s.%s: %w", collection, id, field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.changed(collection, id)
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	defer rows.Close()

	rec := Record{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan %s/%s: %w", collection, id, err)
		}
		rec[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *SQLite) Set(ctx context.Context, collection, id, field, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup %s/%s: %w", collection, id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, field, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id, field) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		collection, id, field, value); err != nil {
		return fmt.Errorf("set %s/%s.%s: %w", collection, id, field, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.changed(collection, id)
	return nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.changed(collection, id)
	}
	return nil
}

func (s *SQLite) QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if field == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, field, value FROM records
			WHERE collection = ?
			ORDER BY id`, collection)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT r.id, r.field, r.value FROM records r
			WHERE r.collection = ? AND r.id IN (
				SELECT id FROM records WHERE collection = ? AND field = ? AND value = ?
			)
			ORDER BY r.id`, collection, collection, field, value)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s where %s: %w", collection, field, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, f, v string
		if err := rows.Scan(&id, &f, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		if len(docs) == 0 || docs[len(docs)-1].ID != id {
			docs = append(docs, Document{ID: id, Fields: Record{}})
		}
		docs[len(docs)-1].Fields[f] = v
	}
	return docs, rows.Err()
}

func (s *SQLite) Subscribe(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	return subscribeBus(ctx, s.bus, collection, queryFunc(s, collection, filter)), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backup writes a consistent copy of the database to dest.
func (s *SQLite) Backup(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) changed(collection, id string) {
	s.bus.Publish(events.Event{Type: events.TypeRecordChanged, Topic: collection, Key: id})
}
