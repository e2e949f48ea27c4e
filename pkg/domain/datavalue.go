package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidDataValue is returned when a data value does not name a data element.
var ErrInvalidDataValue = errors.New("data value requires a data element")

// DataValue is one (data element, value) pair recorded on an event.
// Two data values occupy the same slot when their DataElement is equal; the
// remaining fields never participate in identity.
type DataValue struct {
	DataElement       string    `json:"dataElement"`
	Value             string    `json:"value"`
	ProvidedElsewhere bool      `json:"providedElsewhere,omitempty"`
	StoredBy          string    `json:"storedBy,omitempty"`
	Created           time.Time `json:"created"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// NewDataValue builds a data value for the supplied data element UID.
func NewDataValue(dataElement, value string) DataValue {
	return DataValue{DataElement: dataElement, Value: value}
}

// Validate reports whether the data value can be keyed into a set.
func (dv DataValue) Validate() error {
	if strings.TrimSpace(dv.DataElement) == "" {
		return ErrInvalidDataValue
	}
	return nil
}

// SameSlot reports whether both values address the same data element.
func (dv DataValue) SameSlot(other DataValue) bool {
	return dv.DataElement == other.DataElement
}
