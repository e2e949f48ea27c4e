package domain

import (
	"errors"
	"time"
)

// EventStatus tracks where an event sits in its program stage workflow. The
// engine stores it but applies no workflow rules.
type EventStatus string

// Event statuses mirror the tracker vocabulary.
const (
	EventStatusActive    EventStatus = "ACTIVE"
	EventStatusCompleted EventStatus = "COMPLETED"
	EventStatusSchedule  EventStatus = "SCHEDULE"
	EventStatusSkipped   EventStatus = "SKIPPED"
)

// ErrInvalidEventStatus is returned for a status outside the tracker vocabulary.
var ErrInvalidEventStatus = errors.New("unknown event status")

// Valid reports whether s is one of the known statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusActive, EventStatusCompleted, EventStatusSchedule, EventStatusSkipped:
		return true
	}
	return false
}

// Event is one occurrence of a program stage. It exclusively owns its data
// value set.
type Event struct {
	ID               string            `json:"id"`
	ProgramStage     string            `json:"programStage,omitempty"`
	OrganisationUnit string            `json:"orgUnit,omitempty"`
	Status           EventStatus       `json:"status,omitempty"`
	Created          time.Time         `json:"created"`
	LastUpdated      time.Time         `json:"lastUpdated"`
	DataValues       EventDataValueSet `json:"dataValues"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Event) Clone() Event {
	cp := e
	cp.DataValues = e.DataValues.Clone()
	return cp
}
