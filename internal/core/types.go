package core

import "eventcore/pkg/domain"

type (
	EntityType            = domain.EntityType
	Severity              = domain.Severity
	Event                 = domain.Event
	EventStatus           = domain.EventStatus
	DataValue             = domain.DataValue
	EventDataValueSet     = domain.EventDataValueSet
	Change                = domain.Change
	Action                = domain.Action
	Violation             = domain.Violation
	Result                = domain.Result
	Rule                  = domain.Rule
	RuleView              = domain.RuleView
	RulesEngine           = domain.RulesEngine
	RuleViolationError    = domain.RuleViolationError
	NotFoundError         = domain.NotFoundError
	PersistenceError      = domain.PersistenceError
	DataElementDictionary = domain.DataElementDictionary
)

const (
	EntityEvent     = domain.EntityEvent
	EntityDataValue = domain.EntityDataValue
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

const (
	EventStatusActive    = domain.EventStatusActive
	EventStatusCompleted = domain.EventStatusCompleted
	EventStatusSchedule  = domain.EventStatusSchedule
	EventStatusSkipped   = domain.EventStatusSkipped
)

// Sentinel errors re-exported from the domain.
var (
	ErrInvalidDataValue   = domain.ErrInvalidDataValue
	ErrInvalidEventStatus = domain.ErrInvalidEventStatus
	ErrEventExists        = domain.ErrEventExists
)

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool { return domain.IsNotFound(err) }

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool { return domain.IsPersistence(err) }
