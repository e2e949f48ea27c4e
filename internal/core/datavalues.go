package core

import (
	"context"
	"fmt"

	"eventcore/pkg/domain"
)

// SaveDataValue stores dv on the event, replacing any value already held for
// the same data element.
func (s *Service) SaveDataValue(ctx context.Context, eventID string, dv DataValue) (Event, Result, error) {
	return s.upsert(ctx, "save_data_value", eventID, []DataValue{dv})
}

// SaveDataValues stores every value on the event as one atomic batch. Values
// are applied in slice order, so the last duplicate of a data element wins.
func (s *Service) SaveDataValues(ctx context.Context, eventID string, values []DataValue) (Event, Result, error) {
	return s.upsert(ctx, "save_data_values", eventID, values)
}

// UpdateDataValue has the same upsert semantics as SaveDataValue.
func (s *Service) UpdateDataValue(ctx context.Context, eventID string, dv DataValue) (Event, Result, error) {
	return s.upsert(ctx, "update_data_value", eventID, []DataValue{dv})
}

// UpdateDataValues has the same upsert semantics as SaveDataValues.
func (s *Service) UpdateDataValues(ctx context.Context, eventID string, values []DataValue) (Event, Result, error) {
	return s.upsert(ctx, "update_data_values", eventID, values)
}

// DeleteDataValue removes the value held for dv's data element. Removing a
// data element the event does not hold is not an error.
func (s *Service) DeleteDataValue(ctx context.Context, eventID string, dv DataValue) (Event, Result, error) {
	return s.remove(ctx, "delete_data_value", eventID, []DataValue{dv})
}

// DeleteDataValues removes the values for every data element in values as
// one atomic batch.
func (s *Service) DeleteDataValues(ctx context.Context, eventID string, values []DataValue) (Event, Result, error) {
	return s.remove(ctx, "delete_data_values", eventID, values)
}

// ListDataValues returns the event's data values ordered by data element.
func (s *Service) ListDataValues(ctx context.Context, eventID string) ([]DataValue, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return event.DataValues.Sorted(), nil
}

func (s *Service) upsert(ctx context.Context, op, eventID string, values []DataValue) (Event, Result, error) {
	return s.mutate(ctx, op, eventID, values, func(tx domain.EventTransaction, dv DataValue) {
		tx.UpsertDataValue(dv)
	})
}

func (s *Service) remove(ctx context.Context, op, eventID string, values []DataValue) (Event, Result, error) {
	return s.mutate(ctx, op, eventID, values, func(tx domain.EventTransaction, dv DataValue) {
		tx.RemoveDataValue(dv.DataElement)
	})
}

// mutate applies apply to every value inside a single event transaction. An
// empty batch still resolves the event but writes nothing.
func (s *Service) mutate(ctx context.Context, op, eventID string, values []DataValue, apply func(domain.EventTransaction, DataValue)) (Event, Result, error) {
	var event Event
	res, err := s.run(ctx, op, eventID, func(ctx context.Context) (Result, error) {
		for i, dv := range values {
			if err := dv.Validate(); err != nil {
				return Result{}, fmt.Errorf("data value %d: %w", i, err)
			}
		}
		return s.store.RunInEventTransaction(ctx, eventID, func(tx domain.EventTransaction) error {
			for _, dv := range values {
				apply(tx, dv)
			}
			event = tx.Event()
			return nil
		})
	})
	if err != nil {
		return Event{}, res, err
	}
	return event, res, nil
}
