// Package memory provides an in-memory implementation of the event store used
// for tests, ephemeral environments and as the transactional core of the SQL
// backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"eventcore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Event aliases domain.Event for in-memory persistence operations.
	Event = domain.Event
	// DataValue aliases domain.DataValue.
	DataValue = domain.DataValue
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// EventTransaction aliases domain.EventTransaction scoped to one event.
	EventTransaction = domain.EventTransaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// CommitBatch lists the records a transaction is about to make visible.
type CommitBatch struct {
	Upserted []Event
	Deleted  []string
}

// Empty reports whether the batch carries no writes.
func (b CommitBatch) Empty() bool {
	return len(b.Upserted) == 0 && len(b.Deleted) == 0
}

// CommitFunc persists a batch before it becomes visible in memory. A non-nil
// error aborts the transaction and leaves the committed state untouched.
type CommitFunc func(ctx context.Context, batch CommitBatch) error

// Option customises a Store.
type Option func(*Store)

// WithCommitHook installs a durable write step executed before every commit.
func WithCommitHook(fn CommitFunc) Option {
	return func(s *Store) { s.commit = fn }
}

// WithNowFunc overrides the transaction clock.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

type memoryState struct {
	events map[string]Event
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Events map[string]Event `json:"events"`
}

func newMemoryState() memoryState {
	return memoryState{events: make(map[string]Event)}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{events: make(map[string]Event, len(s.events))}
	for k, v := range s.events {
		cloned.events[k] = v.Clone()
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{Events: make(map[string]Event, len(state.events))}
	for k, v := range state.events {
		s.Events[k] = v.Clone()
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Events {
		state.events[k] = v.Clone()
	}
	return state
}

// migrateSnapshot normalises persisted state: events are re-keyed by their own
// ID, unnamed data values are dropped and missing statuses default to ACTIVE.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	out := Snapshot{Events: make(map[string]Event, len(snapshot.Events))}
	for key, event := range snapshot.Events {
		if event.ID == "" {
			event.ID = key
		}
		if strings.TrimSpace(event.ID) == "" {
			continue
		}
		if event.Status == "" {
			event.Status = domain.EventStatusActive
		}
		values := event.DataValues.All()
		kept := values[:0]
		for _, dv := range values {
			if dv.Validate() == nil {
				kept = append(kept, dv)
			}
		}
		event.DataValues = domain.NewEventDataValueSet(kept...)
		out.Events[event.ID] = event
	}
	return out
}

// Store provides an in-memory transactional store for events and their data
// values. Event transactions are serialized per event and run in parallel
// across events; whole-store transactions exclude all of them.
type Store struct {
	txMu   sync.RWMutex
	mu     sync.RWMutex
	state  memoryState
	locks  eventLocks
	engine *RulesEngine
	nowFn  func() time.Time
	commit CommitFunc
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		locks:  eventLocks{locks: make(map[string]*eventLock)},
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

// transaction represents a whole-store mutation set.
type transaction struct {
	store    *Store
	state    memoryState
	changes  []Change
	now      time.Time
	upserted map[string]struct{}
	deleted  map[string]struct{}
}

// transactionView exposes a read-only snapshot of state to rules and callers.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) transactionView {
	return transactionView{state: state}
}

// FindEvent retrieves an event by ID from the snapshot.
func (v transactionView) FindEvent(id string) (Event, bool) {
	e, ok := v.state.events[id]
	if !ok {
		return Event{}, false
	}
	return e.Clone(), true
}

// ListEvents returns all events in the snapshot ordered by ID.
func (v transactionView) ListEvents() []Event {
	return sortedEvents(v.state.events)
}

func sortedEvents(events map[string]Event) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	state := s.state.clone()
	s.mu.RUnlock()

	tx := &transaction{
		store:    s,
		state:    state,
		now:      s.nowFn(),
		upserted: make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	view := newTransactionView(&tx.state)
	result, err := s.evaluate(ctx, view, tx.changes)
	if err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := s.persist(ctx, tx.batch()); err != nil {
		return result, err
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	return result, nil
}

// RunInEventTransaction executes fn against a private copy of a single event.
// The copy replaces the committed event only when fn, rule evaluation and the
// commit hook all succeed. A transaction that records no change writes nothing.
func (s *Store) RunInEventTransaction(ctx context.Context, eventID string, fn func(tx EventTransaction) error) (Result, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	release := s.locks.acquire(eventID)
	defer release()

	s.mu.RLock()
	current, ok := s.state.events[eventID]
	s.mu.RUnlock()
	if !ok {
		return Result{}, domain.NotFoundError{Entity: domain.EntityEvent, ID: eventID}
	}

	tx := &eventTransaction{event: current.Clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if len(tx.changes) == 0 {
		return Result{}, nil
	}

	result, err := s.evaluate(ctx, overlayView{store: s, pending: tx.event}, tx.changes)
	if err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := s.persist(ctx, CommitBatch{Upserted: []Event{tx.event.Clone()}}); err != nil {
		return result, err
	}

	s.mu.Lock()
	s.state.events[eventID] = tx.event
	s.mu.Unlock()
	return result, nil
}

func (s *Store) evaluate(ctx context.Context, view domain.RuleView, changes []Change) (Result, error) {
	if s.engine == nil {
		return Result{}, nil
	}
	res, err := s.engine.Evaluate(ctx, view, changes)
	if err != nil {
		return Result{}, err
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	return res, nil
}

func (s *Store) persist(ctx context.Context, batch CommitBatch) error {
	if s.commit == nil || batch.Empty() {
		return nil
	}
	return s.commit(ctx, batch)
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// overlayView exposes committed state with one pending event substituted.
type overlayView struct {
	store   *Store
	pending Event
}

func (v overlayView) FindEvent(id string) (Event, bool) {
	if id == v.pending.ID {
		return v.pending.Clone(), true
	}
	return v.store.GetEvent(id)
}

func (v overlayView) ListEvents() []Event {
	events := v.store.ListEvents()
	for i := range events {
		if events[i].ID == v.pending.ID {
			events[i] = v.pending.Clone()
		}
	}
	return events
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) batch() CommitBatch {
	var batch CommitBatch
	for id := range tx.upserted {
		if e, ok := tx.state.events[id]; ok {
			batch.Upserted = append(batch.Upserted, e.Clone())
		}
	}
	for id := range tx.deleted {
		batch.Deleted = append(batch.Deleted, id)
	}
	sort.Slice(batch.Upserted, func(i, j int) bool { return batch.Upserted[i].ID < batch.Upserted[j].ID })
	sort.Strings(batch.Deleted)
	return batch
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindEvent exposes event lookup within the transaction scope.
func (tx *transaction) FindEvent(id string) (Event, bool) {
	return newTransactionView(&tx.state).FindEvent(id)
}

// CreateEvent stores a new event with an empty data value set.
func (tx *transaction) CreateEvent(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = tx.store.newID()
	}
	if _, exists := tx.state.events[e.ID]; exists {
		return Event{}, fmt.Errorf("%w: %s", domain.ErrEventExists, e.ID)
	}
	if e.Status == "" {
		e.Status = domain.EventStatusActive
	}
	e.Created = tx.now
	e.LastUpdated = tx.now
	e.DataValues = domain.EventDataValueSet{}
	tx.state.events[e.ID] = e.Clone()
	tx.upserted[e.ID] = struct{}{}
	delete(tx.deleted, e.ID)
	tx.recordChange(Change{Entity: domain.EntityEvent, Action: domain.ActionCreate, EventID: e.ID, After: e.Clone()})
	return e.Clone(), nil
}

// UpdateEvent mutates an event using the provided mutator function.
func (tx *transaction) UpdateEvent(id string, mutator func(*Event) error) (Event, error) {
	current, ok := tx.state.events[id]
	if !ok {
		return Event{}, domain.NotFoundError{Entity: domain.EntityEvent, ID: id}
	}
	before := current.Clone()
	current = current.Clone()
	if err := mutator(&current); err != nil {
		return Event{}, err
	}
	current.ID = id
	current.Created = before.Created
	current.LastUpdated = tx.now
	tx.state.events[id] = current.Clone()
	tx.upserted[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityEvent, Action: domain.ActionUpdate, EventID: id, Before: before, After: current.Clone()})
	return current.Clone(), nil
}

// DeleteEvent removes an event together with its data values.
func (tx *transaction) DeleteEvent(id string) error {
	current, ok := tx.state.events[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityEvent, ID: id}
	}
	delete(tx.state.events, id)
	delete(tx.upserted, id)
	tx.deleted[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityEvent, Action: domain.ActionDelete, EventID: id, Before: current.Clone()})
	return nil
}

// eventTransaction mutates a private copy of one event.
type eventTransaction struct {
	event   Event
	changes []Change
	now     time.Time
}

// Event returns a copy of the pending event.
func (tx *eventTransaction) Event() Event {
	return tx.event.Clone()
}

// UpsertDataValue stores dv in the pending event's set.
func (tx *eventTransaction) UpsertDataValue(dv DataValue) DataValue {
	before, existed := tx.event.DataValues.Get(dv.DataElement)
	after := tx.event.DataValues.Upsert(dv, tx.now)
	change := Change{Entity: domain.EntityDataValue, Action: domain.ActionCreate, EventID: tx.event.ID, After: after}
	if existed {
		change.Action = domain.ActionUpdate
		change.Before = before
	}
	tx.changes = append(tx.changes, change)
	tx.event.LastUpdated = tx.now
	return after
}

// RemoveDataValue drops the value for dataElement from the pending event.
func (tx *eventTransaction) RemoveDataValue(dataElement string) bool {
	before, existed := tx.event.DataValues.Get(dataElement)
	if !existed {
		return false
	}
	tx.event.DataValues.Remove(dataElement)
	tx.changes = append(tx.changes, Change{Entity: domain.EntityDataValue, Action: domain.ActionDelete, EventID: tx.event.ID, Before: before})
	tx.event.LastUpdated = tx.now
	return true
}

// Read helpers ---------------------------------------------------------------

// GetEvent retrieves an event by ID from committed state.
func (s *Store) GetEvent(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.events[id]
	if !ok {
		return Event{}, false
	}
	return e.Clone(), true
}

// ListEvents returns all committed events ordered by ID.
func (s *Store) ListEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedEvents(s.state.events)
}

// LoadEvent implements domain.EventRepository.
func (s *Store) LoadEvent(_ context.Context, id string) (Event, error) {
	e, ok := s.GetEvent(id)
	if !ok {
		return Event{}, domain.NotFoundError{Entity: domain.EntityEvent, ID: id}
	}
	return e, nil
}

// SaveEvent implements domain.EventRepository by replacing the stored event
// wholesale, creating it when absent. Timestamps on the supplied event are
// kept as given.
func (s *Store) SaveEvent(ctx context.Context, e Event) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("save event: id required")
	}
	_, err := s.RunInTransaction(ctx, func(tx Transaction) error {
		t := tx.(*transaction)
		before, existed := t.state.events[e.ID]
		stored := e.Clone()
		if stored.Status == "" {
			stored.Status = domain.EventStatusActive
		}
		t.state.events[e.ID] = stored
		t.upserted[e.ID] = struct{}{}
		delete(t.deleted, e.ID)
		change := Change{Entity: domain.EntityEvent, Action: domain.ActionCreate, EventID: e.ID, After: stored.Clone()}
		if existed {
			change.Action = domain.ActionUpdate
			change.Before = before
		}
		t.recordChange(change)
		return nil
	})
	return err
}

// eventLocks hands out one mutex per event ID, releasing entries once unused.
type eventLocks struct {
	mu    sync.Mutex
	locks map[string]*eventLock
}

type eventLock struct {
	mu   sync.Mutex
	refs int
}

func (l *eventLocks) acquire(id string) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &eventLock{}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
