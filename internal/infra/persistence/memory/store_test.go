package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventcore/pkg/domain"
)

func fixedClock() func() time.Time {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
}

func mustCreate(t *testing.T, store *Store, id string) Event {
	t.Helper()
	var created Event
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateEvent(Event{ID: id, ProgramStage: "stage"})
		return err
	})
	if err != nil {
		t.Fatalf("create event %s: %v", id, err)
	}
	return created
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, ok := tx.FindEvent("missing"); ok {
			t.Fatalf("expected missing event lookup")
		}
		created, err := tx.CreateEvent(Event{ProgramStage: "stage"})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if created.Status != domain.EventStatusActive {
			t.Fatalf("expected default status, got %q", created.Status)
		}
		if len(tx.Snapshot().ListEvents()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListEvents()) != 1 {
		t.Fatalf("expected persisted event")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListEvents()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListEvents()) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestCreateEventRejectsDuplicateID(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateEvent(Event{ID: "ev1"})
		return err
	})
	if !errors.Is(err, domain.ErrEventExists) {
		t.Fatalf("expected duplicate error")
	}
}

func TestCreateEventStartsWithEmptySet(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateEvent(Event{ID: "ev1", DataValues: domain.NewEventDataValueSet(domain.NewDataValue("A", "1"))})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 0 {
		t.Fatalf("expected empty data value set, got %d", event.DataValues.Len())
	}
}

func TestEventTransactionUpsertAndRemove(t *testing.T) {
	store := NewStore(nil, WithNowFunc(fixedClock()))
	mustCreate(t, store, "ev1")
	ctx := context.Background()

	if _, err := store.RunInEventTransaction(ctx, "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "1"))
		tx.UpsertDataValue(domain.NewDataValue("B", "2"))
		return nil
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _ := store.GetEvent("ev1")
	created := first.DataValues.Sorted()[0].Created

	if _, err := store.RunInEventTransaction(ctx, "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "9"))
		if !tx.RemoveDataValue("B") {
			t.Fatalf("expected B to be removed")
		}
		if tx.RemoveDataValue("Z") {
			t.Fatalf("expected absent key removal to report false")
		}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 1 {
		t.Fatalf("expected one value, got %d", event.DataValues.Len())
	}
	a, _ := event.DataValues.Get("A")
	if a.Value != "9" {
		t.Fatalf("expected last write to win, got %q", a.Value)
	}
	if !a.Created.Equal(created) || !a.LastUpdated.After(created) {
		t.Fatalf("expected created kept and lastUpdated refreshed: %+v", a)
	}
	if !event.LastUpdated.Equal(a.LastUpdated) {
		t.Fatalf("expected event lastUpdated to follow the mutation")
	}
}

func TestEventTransactionMissingEvent(t *testing.T) {
	store := NewStore(nil)
	called := false
	_, err := store.RunInEventTransaction(context.Background(), "nope", func(EventTransaction) error {
		called = true
		return nil
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if called {
		t.Fatalf("transaction function must not run for a missing event")
	}
}

func TestEventTransactionNoChangesSkipsCommit(t *testing.T) {
	commits := 0
	store := NewStore(nil, WithCommitHook(func(context.Context, CommitBatch) error {
		commits++
		return nil
	}))
	before := mustCreate(t, store, "ev1")
	commits = 0
	if _, err := store.RunInEventTransaction(context.Background(), "ev1", func(tx EventTransaction) error {
		tx.RemoveDataValue("absent")
		return nil
	}); err != nil {
		t.Fatalf("noop: %v", err)
	}
	if commits != 0 {
		t.Fatalf("expected no commit for a no-op transaction, got %d", commits)
	}
	after, _ := store.GetEvent("ev1")
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Fatalf("expected lastUpdated untouched")
	}
}

func TestEventTransactionErrorDiscardsBatch(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	boom := errors.New("boom")
	_, err := store.RunInEventTransaction(context.Background(), "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "1"))
		tx.UpsertDataValue(domain.NewDataValue("B", "2"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 0 {
		t.Fatalf("expected no partial batch, got %d values", event.DataValues.Len())
	}
}

func TestCommitHookFailureDiscardsBatch(t *testing.T) {
	fail := false
	store := NewStore(nil, WithCommitHook(func(context.Context, CommitBatch) error {
		if fail {
			return domain.PersistenceError{Op: "write", Err: errors.New("disk full")}
		}
		return nil
	}))
	mustCreate(t, store, "ev1")
	if _, err := store.RunInEventTransaction(context.Background(), "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "1"))
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fail = true
	_, err := store.RunInEventTransaction(context.Background(), "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "2"))
		tx.UpsertDataValue(domain.NewDataValue("B", "3"))
		tx.RemoveDataValue("C")
		return nil
	})
	if !domain.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 1 {
		t.Fatalf("expected batch rolled back, got %d values", event.DataValues.Len())
	}
	if a, _ := event.DataValues.Get("A"); a.Value != "1" {
		t.Fatalf("expected original value, got %q", a.Value)
	}
}

func TestCommitHookReceivesBatch(t *testing.T) {
	var batches []CommitBatch
	store := NewStore(nil, WithCommitHook(func(_ context.Context, b CommitBatch) error {
		batches = append(batches, b)
		return nil
	}))
	mustCreate(t, store, "ev1")
	mustCreate(t, store, "ev2")
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteEvent("ev1")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	last := batches[len(batches)-1]
	if len(last.Deleted) != 1 || last.Deleted[0] != "ev1" || len(last.Upserted) != 0 {
		t.Fatalf("unexpected delete batch: %+v", last)
	}
}

func TestRuleViolationBlocksEventTransaction(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockValue{value: "bad"})
	store := NewStore(engine)
	mustCreate(t, store, "ev1")
	_, err := store.RunInEventTransaction(context.Background(), "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "ok"))
		tx.UpsertDataValue(domain.NewDataValue("B", "bad"))
		return nil
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 0 {
		t.Fatalf("expected blocked batch to leave the set untouched")
	}
}

type blockValue struct{ value string }

func (blockValue) Name() string { return "block-value" }

func (r blockValue) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		dv, ok := change.After.(domain.DataValue)
		if !ok || dv.Value != r.value {
			continue
		}
		if _, found := view.FindEvent(change.EventID); !found {
			return res, fmt.Errorf("pending event %s not visible to rules", change.EventID)
		}
		res.Merge(domain.Result{Violations: []domain.Violation{{Rule: r.Name(), Severity: domain.SeverityBlock, Entity: domain.EntityDataValue, EntityID: dv.DataElement}}})
	}
	return res, nil
}

func TestEventsAreIndependent(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	mustCreate(t, store, "ev2")
	ctx := context.Background()
	for _, id := range []string{"ev1", "ev2"} {
		if _, err := store.RunInEventTransaction(ctx, id, func(tx EventTransaction) error {
			tx.UpsertDataValue(domain.NewDataValue("A", id))
			return nil
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	if _, err := store.RunInEventTransaction(ctx, "ev1", func(tx EventTransaction) error {
		tx.RemoveDataValue("A")
		return nil
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	other, _ := store.GetEvent("ev2")
	if dv, ok := other.DataValues.Get("A"); !ok || dv.Value != "ev2" {
		t.Fatalf("expected ev2 untouched, got %+v", other.DataValues.All())
	}
}

func TestConcurrentEventTransactionsDoNotLoseUpdates(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	mustCreate(t, store, "ev2")
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		for _, id := range []string{"ev1", "ev2"} {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := store.RunInEventTransaction(context.Background(), id, func(tx EventTransaction) error {
					tx.UpsertDataValue(domain.NewDataValue(fmt.Sprintf("de%02d", i), "v"))
					return nil
				})
				if err != nil {
					t.Errorf("writer %d on %s: %v", i, id, err)
				}
			}(id, i)
		}
	}
	wg.Wait()
	for _, id := range []string{"ev1", "ev2"} {
		event, _ := store.GetEvent(id)
		if event.DataValues.Len() != writers {
			t.Fatalf("expected %d values on %s, got %d", writers, id, event.DataValues.Len())
		}
	}
	if len(store.locks.locks) != 0 {
		t.Fatalf("expected event locks to be released, got %d", len(store.locks.locks))
	}
}

func TestReadsDoNotAliasCommittedState(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	event, _ := store.GetEvent("ev1")
	event.DataValues.Upsert(domain.NewDataValue("A", "1"), time.Now())
	again, _ := store.GetEvent("ev1")
	if again.DataValues.Len() != 0 {
		t.Fatalf("mutating a read copy leaked into the store")
	}
}

func TestUpdateAndDeleteMissingEvent(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.UpdateEvent("missing", func(*Event) error { return nil }); !domain.IsNotFound(err) {
			t.Fatalf("expected not found on update, got %v", err)
		}
		if err := tx.DeleteEvent("missing"); !domain.IsNotFound(err) {
			t.Fatalf("expected not found on delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestUpdateEventKeepsIdentity(t *testing.T) {
	store := NewStore(nil, WithNowFunc(fixedClock()))
	created := mustCreate(t, store, "ev1")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdateEvent("ev1", func(e *Event) error {
			e.ID = "hijack"
			e.Status = domain.EventStatusCompleted
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	event, ok := store.GetEvent("ev1")
	if !ok || event.Status != domain.EventStatusCompleted {
		t.Fatalf("expected completed ev1, got %+v", event)
	}
	if !event.Created.Equal(created.Created) || !event.LastUpdated.After(created.LastUpdated) {
		t.Fatalf("unexpected timestamps %+v", event)
	}
}

func TestLoadAndSaveEvent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.LoadEvent(ctx, "ev1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	stamp := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	set := domain.NewEventDataValueSet(domain.DataValue{DataElement: "A", Value: "1", Created: stamp, LastUpdated: stamp})
	if err := store.SaveEvent(ctx, Event{ID: "ev1", DataValues: set}); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadEvent(ctx, "ev1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != domain.EventStatusActive || loaded.DataValues.Len() != 1 {
		t.Fatalf("unexpected loaded event %+v", loaded)
	}
	if err := store.SaveEvent(ctx, Event{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestImportStateMigratesSnapshot(t *testing.T) {
	store := NewStore(nil)
	store.ImportState(Snapshot{Events: map[string]Event{
		"keyed": {DataValues: domain.NewEventDataValueSet(domain.NewDataValue("", "orphan"), domain.NewDataValue("A", "1"))},
		"":      {},
	}})
	events := store.ListEvents()
	if len(events) != 1 {
		t.Fatalf("expected one migrated event, got %d", len(events))
	}
	e := events[0]
	if e.ID != "keyed" || e.Status != domain.EventStatusActive || e.DataValues.Len() != 1 {
		t.Fatalf("unexpected migrated event %+v", e)
	}
}

func TestViewIsReadOnlySnapshot(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	err := store.View(context.Background(), func(view TransactionView) error {
		if _, ok := view.FindEvent("ev1"); !ok {
			t.Fatalf("expected event in view")
		}
		if len(view.ListEvents()) != 1 {
			t.Fatalf("expected one event")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCancelledContextAbortsCommit(t *testing.T) {
	store := NewStore(nil)
	mustCreate(t, store, "ev1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.RunInEventTransaction(ctx, "ev1", func(tx EventTransaction) error {
		tx.UpsertDataValue(domain.NewDataValue("A", "1"))
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	event, _ := store.GetEvent("ev1")
	if event.DataValues.Len() != 0 {
		t.Fatalf("expected nothing committed")
	}
}
