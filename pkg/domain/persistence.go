package domain

import "context"

// Transaction exposes whole-store mutations that a persistence implementation
// must support within an atomic scope. Whole-store transactions exclude every
// event transaction while they run.
type Transaction interface {
	Snapshot() TransactionView
	FindEvent(id string) (Event, bool)
	CreateEvent(Event) (Event, error)
	UpdateEvent(id string, mutator func(*Event) error) (Event, error)
	DeleteEvent(id string) error
}

// EventTransaction scopes mutations to the data values of a single event. The
// event is a private copy until the transaction commits; an error returned
// from the transaction function discards every mutation.
type EventTransaction interface {
	Event() Event
	UpsertDataValue(dv DataValue) DataValue
	RemoveDataValue(dataElement string) bool
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	FindEvent(id string) (Event, bool)
	ListEvents() []Event
}

// EventRepository is the narrow load/save contract the data value engine
// consumes from its owning aggregate's storage.
type EventRepository interface {
	LoadEvent(ctx context.Context, id string) (Event, error)
	SaveEvent(ctx context.Context, event Event) error
}

// DataElementDictionary answers whether a data element UID is known.
type DataElementDictionary interface {
	HasDataElement(uid string) bool
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	EventRepository
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	RunInEventTransaction(ctx context.Context, eventID string, fn func(EventTransaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetEvent(id string) (Event, bool)
	ListEvents() []Event
}
