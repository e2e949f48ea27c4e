package core

import (
	"fmt"
	"io"

	"eventcore/internal/infra/persistence/memory"
	"eventcore/internal/infra/persistence/postgres"
	"eventcore/internal/infra/persistence/sqlite"
	"eventcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction      = domain.Transaction
	EventTransaction = domain.EventTransaction
	TransactionView  = domain.TransactionView
	PersistentStore  = domain.PersistentStore
)

// StorageConfig selects and parameterises a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the configured backend. Defaults to sqlite when
// the driver is empty. The returned closer releases backend resources and is
// safe to call for the memory driver.
func OpenPersistentStore(cfg StorageConfig, engine *RulesEngine, clock Clock) (PersistentStore, io.Closer, error) {
	var opts []memory.Option
	if clock != nil {
		opts = append(opts, memory.WithNowFunc(clock.Now))
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nopCloser{}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN, engine, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
