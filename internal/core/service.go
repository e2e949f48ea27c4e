package core

import (
	"context"
	"fmt"
	"time"

	"eventcore/internal/infra/persistence/memory"
	"eventcore/pkg/domain"
)

// Service exposes transactional operations over events and their data values.
type Service struct {
	store   domain.PersistentStore
	engine  *RulesEngine
	now     func() time.Time
	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newService(store, options)
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine. The store stamps data values with the service clock.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	store := memory.NewStore(engine, memory.WithNowFunc(options.clock.Now))
	return newService(store, options)
}

func newService(store domain.PersistentStore, options serviceOptions) *Service {
	return &Service{
		store:   store,
		engine:  extractRulesEngine(store),
		now:     selectNowFunc(store, options.clock),
		clock:   options.clock,
		logger:  options.logger,
		metrics: options.metrics,
		tracer:  options.tracer,
	}
}

type rulesEngineProvider interface {
	RulesEngine() *domain.RulesEngine
}

type nowFuncProvider interface {
	NowFunc() func() time.Time
}

func extractRulesEngine(store domain.PersistentStore) *RulesEngine {
	if provider, ok := store.(rulesEngineProvider); ok {
		return provider.RulesEngine()
	}
	return nil
}

// selectNowFunc prefers the store's own clock so that Now agrees with the
// timestamps the store writes.
func selectNowFunc(store domain.PersistentStore, clock Clock) func() time.Time {
	if provider, ok := store.(nowFuncProvider); ok {
		if fn := provider.NowFunc(); fn != nil {
			return func() time.Time { return fn().UTC() }
		}
	}
	if clock != nil {
		return clock.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RulesEngine returns the engine evaluated by the store, if it exposes one.
func (s *Service) RulesEngine() *RulesEngine {
	return s.engine
}

// Now reports the time the store stamps mutations with.
func (s *Service) Now() time.Time {
	return s.now()
}

// run wraps an operation with tracing, metrics and logging. Errors are
// returned unchanged.
func (s *Service) run(ctx context.Context, op, eventID string, fn func(context.Context) (Result, error)) (Result, error) {
	ctx, span := s.tracer.Start(ctx, op, eventID)
	started := time.Now()
	s.logger.Debug("operation started", "operation", op, "event", eventID)

	res, err := fn(ctx)

	duration := time.Since(started)
	s.metrics.Observe(ctx, op, err == nil, duration)
	span.End(err)
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.logger.Warn("rule violation", "operation", op, "event", eventID, "rule", v.Rule, "severity", string(v.Severity), "message", v.Message)
	}
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "event", eventID, "duration", duration, "error", err)
		return res, err
	}
	s.logger.Info("operation completed", "operation", op, "event", eventID, "duration", duration)
	return res, nil
}

// CreateEvent persists a new event with an empty data value set. A UID is
// generated when e.ID is empty.
func (s *Service) CreateEvent(ctx context.Context, e Event) (Event, Result, error) {
	var created Event
	res, err := s.run(ctx, "create_event", e.ID, func(ctx context.Context) (Result, error) {
		if e.Status != "" && !e.Status.Valid() {
			return Result{}, fmt.Errorf("%w: %q", domain.ErrInvalidEventStatus, e.Status)
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateEvent(e)
			return err
		})
	})
	return created, res, err
}

// UpdateEventStatus moves an event to status. No workflow rules apply.
func (s *Service) UpdateEventStatus(ctx context.Context, id string, status EventStatus) (Event, Result, error) {
	var updated Event
	res, err := s.run(ctx, "update_event_status", id, func(ctx context.Context) (Result, error) {
		if !status.Valid() {
			return Result{}, fmt.Errorf("%w: %q", domain.ErrInvalidEventStatus, status)
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			updated, err = tx.UpdateEvent(id, func(e *Event) error {
				e.Status = status
				return nil
			})
			return err
		})
	})
	return updated, res, err
}

// DeleteEvent removes an event together with its data values.
func (s *Service) DeleteEvent(ctx context.Context, id string) (Result, error) {
	return s.run(ctx, "delete_event", id, func(ctx context.Context) (Result, error) {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.DeleteEvent(id)
		})
	})
}

// GetEvent returns a copy of the committed event.
func (s *Service) GetEvent(_ context.Context, id string) (Event, error) {
	event, ok := s.store.GetEvent(id)
	if !ok {
		return Event{}, NotFoundError{Entity: EntityEvent, ID: id}
	}
	return event, nil
}

// ListEvents returns copies of all committed events ordered by UID.
func (s *Service) ListEvents(_ context.Context) []Event {
	return s.store.ListEvents()
}
