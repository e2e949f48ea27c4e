package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// EventDataValueSet holds the data values of a single event keyed by data
// element. The zero value is an empty, ready to use set.
type EventDataValueSet struct {
	values map[string]DataValue
}

// NewEventDataValueSet builds a set from values. Later entries replace earlier
// entries for the same data element.
func NewEventDataValueSet(values ...DataValue) EventDataValueSet {
	set := EventDataValueSet{values: make(map[string]DataValue, len(values))}
	for _, dv := range values {
		set.values[dv.DataElement] = dv
	}
	return set
}

// Upsert stores dv in the slot of its data element. An existing member keeps
// its Created timestamp and takes the new value; a new member is stamped with
// now for both timestamps. The stored member is returned.
func (s *EventDataValueSet) Upsert(dv DataValue, now time.Time) DataValue {
	if s.values == nil {
		s.values = make(map[string]DataValue)
	}
	if current, ok := s.values[dv.DataElement]; ok {
		current.Value = dv.Value
		current.ProvidedElsewhere = dv.ProvidedElsewhere
		current.StoredBy = dv.StoredBy
		current.LastUpdated = now
		s.values[dv.DataElement] = current
		return current
	}
	dv.Created = now
	dv.LastUpdated = now
	s.values[dv.DataElement] = dv
	return dv
}

// Remove deletes the member for dataElement and reports whether one existed.
// Removing an absent data element is a no-op.
func (s *EventDataValueSet) Remove(dataElement string) bool {
	if _, ok := s.values[dataElement]; !ok {
		return false
	}
	delete(s.values, dataElement)
	return true
}

// Contains reports whether the set holds a value for dataElement.
func (s EventDataValueSet) Contains(dataElement string) bool {
	_, ok := s.values[dataElement]
	return ok
}

// Get returns the member stored for dataElement.
func (s EventDataValueSet) Get(dataElement string) (DataValue, bool) {
	dv, ok := s.values[dataElement]
	return dv, ok
}

// Len returns the number of members.
func (s EventDataValueSet) Len() int {
	return len(s.values)
}

// All returns the members in no particular order.
func (s EventDataValueSet) All() []DataValue {
	out := make([]DataValue, 0, len(s.values))
	for _, dv := range s.values {
		out = append(out, dv)
	}
	return out
}

// Sorted returns the members ordered by data element.
func (s EventDataValueSet) Sorted() []DataValue {
	out := s.All()
	sort.Slice(out, func(i, j int) bool { return out[i].DataElement < out[j].DataElement })
	return out
}

// Clone returns an independent copy of the set.
func (s EventDataValueSet) Clone() EventDataValueSet {
	cp := EventDataValueSet{values: make(map[string]DataValue, len(s.values))}
	for k, v := range s.values {
		cp.values[k] = v
	}
	return cp
}

// MarshalJSON encodes the set as an array sorted by data element.
func (s EventDataValueSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of data values, collapsing duplicates so the
// last occurrence wins.
func (s *EventDataValueSet) UnmarshalJSON(data []byte) error {
	var values []DataValue
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewEventDataValueSet(values...)
	return nil
}
