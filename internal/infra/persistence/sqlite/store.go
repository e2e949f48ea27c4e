// Package sqlite provides an embedded SQLite event store. Transactions run
// against the in-memory store and every commit is written to SQLite before it
// becomes visible.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"eventcore/internal/infra/persistence/memory"
	"eventcore/internal/infra/persistence/schema"
	"eventcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "eventcore.db"

// Store persists events to a single SQLite table.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the SQLite database at path and hydrates the
// in-memory state from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range schema.SplitStatements(schema.SQLite()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, schema.SelectEvents())
	if err != nil {
		return fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Events: map[string]domain.Event{}}
	for rows.Next() {
		var (
			row                  schema.EventRow
			created, lastUpdated string
			payload              string
		)
		if err := rows.Scan(&row.UID, &row.ProgramStage, &row.OrganisationUnit, &row.Status, &created, &lastUpdated, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if row.Created, err = schema.ParseTime(created); err != nil {
			return err
		}
		if row.LastUpdated, err = schema.ParseTime(lastUpdated); err != nil {
			return err
		}
		row.DataValues = []byte(payload)
		event, err := row.Event()
		if err != nil {
			return err
		}
		snapshot.Events[event.ID] = event
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

var upsertEventSQL = `INSERT INTO events(` + strings.Join(schema.EventColumns, ", ") + `) VALUES(?,?,?,?,?,?,?)
ON CONFLICT(uid) DO UPDATE SET
	program_stage=excluded.program_stage,
	organisation_unit=excluded.organisation_unit,
	status=excluded.status,
	created=excluded.created,
	last_updated=excluded.last_updated,
	data_values=excluded.data_values`

func (s *Store) persist(ctx context.Context, batch memory.CommitBatch) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Op: "begin", Err: err}
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, event := range batch.Upserted {
		row, err := schema.RowFromEvent(event)
		if err != nil {
			return domain.PersistenceError{Op: "encode event", Err: err}
		}
		if _, err := tx.ExecContext(ctx, upsertEventSQL,
			row.UID, row.ProgramStage, row.OrganisationUnit, row.Status,
			schema.FormatTime(row.Created), schema.FormatTime(row.LastUpdated), string(row.DataValues),
		); err != nil {
			return domain.PersistenceError{Op: "upsert event " + event.ID, Err: err}
		}
	}
	for _, id := range batch.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE uid = ?`, id); err != nil {
			return domain.PersistenceError{Op: "delete event " + id, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
