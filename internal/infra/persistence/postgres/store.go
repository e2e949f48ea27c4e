// Package postgres provides a Postgres-backed event store that mirrors the
// in-memory semantics while applying the events DDL on startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"eventcore/internal/infra/persistence/memory"
	"eventcore/internal/infra/persistence/schema"
	"eventcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/eventcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists events to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the events DDL and hydrates the in-memory store from existing rows.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyDDL(ctx, db, schema.Postgres()); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	s.ImportState(snapshot)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDDL(ctx context.Context, db execer, ddl string) error {
	for _, stmt := range schema.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, schema.SelectEvents())
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Events: map[string]domain.Event{}}
	for rows.Next() {
		var row schema.EventRow
		if err := rows.Scan(&row.UID, &row.ProgramStage, &row.OrganisationUnit, &row.Status, &row.Created, &row.LastUpdated, &row.DataValues); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan event: %w", err)
		}
		event, err := row.Event()
		if err != nil {
			return memory.Snapshot{}, err
		}
		snapshot.Events[event.ID] = event
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate events: %w", err)
	}
	return snapshot, nil
}

var upsertEventSQL = `INSERT INTO events(` + strings.Join(schema.EventColumns, ", ") + `) VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (uid) DO UPDATE SET
	program_stage=EXCLUDED.program_stage,
	organisation_unit=EXCLUDED.organisation_unit,
	status=EXCLUDED.status,
	created=EXCLUDED.created,
	last_updated=EXCLUDED.last_updated,
	data_values=EXCLUDED.data_values`

func (s *Store) persist(ctx context.Context, batch memory.CommitBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Op: "begin tx", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
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
			row.Created, row.LastUpdated, row.DataValues,
		); err != nil {
			return domain.PersistenceError{Op: "upsert event " + event.ID, Err: err}
		}
	}
	for _, id := range batch.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE uid = $1`, id); err != nil {
			return domain.PersistenceError{Op: "delete event " + id, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Op: "commit", Err: err}
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
