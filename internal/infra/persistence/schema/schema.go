// Package schema holds the DDL and row encoding shared by the SQL event
// store backends.
package schema

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"eventcore/pkg/domain"
)

//go:embed sqlite.sql
var sqliteDDL string

//go:embed postgres.sql
var postgresDDL string

// EventColumns lists the events table columns in insert and select order.
var EventColumns = []string{
	"uid",
	"program_stage",
	"organisation_unit",
	"status",
	"created",
	"last_updated",
	"data_values",
}

// SQLite returns the SQLite DDL for the events table.
func SQLite() string {
	return sqliteDDL
}

// Postgres returns the Postgres DDL for the events table.
func Postgres() string {
	return postgresDDL
}

// SelectEvents returns the query loading every event row.
func SelectEvents() string {
	return "SELECT " + strings.Join(EventColumns, ", ") + " FROM events"
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}

	return stmts
}

// EventRow is the column-level representation of an event.
type EventRow struct {
	UID              string
	ProgramStage     string
	OrganisationUnit string
	Status           string
	Created          time.Time
	LastUpdated      time.Time
	DataValues       []byte
}

// RowFromEvent encodes e for storage.
func RowFromEvent(e domain.Event) (EventRow, error) {
	payload, err := json.Marshal(e.DataValues)
	if err != nil {
		return EventRow{}, fmt.Errorf("encode data values for %s: %w", e.ID, err)
	}
	return EventRow{
		UID:              e.ID,
		ProgramStage:     e.ProgramStage,
		OrganisationUnit: e.OrganisationUnit,
		Status:           string(e.Status),
		Created:          e.Created.UTC(),
		LastUpdated:      e.LastUpdated.UTC(),
		DataValues:       payload,
	}, nil
}

// Event decodes the row back into a domain event.
func (r EventRow) Event() (domain.Event, error) {
	e := domain.Event{
		ID:               r.UID,
		ProgramStage:     r.ProgramStage,
		OrganisationUnit: r.OrganisationUnit,
		Status:           domain.EventStatus(r.Status),
		Created:          r.Created.UTC(),
		LastUpdated:      r.LastUpdated.UTC(),
	}
	if len(r.DataValues) > 0 {
		if err := json.Unmarshal(r.DataValues, &e.DataValues); err != nil {
			return domain.Event{}, fmt.Errorf("decode data values for %s: %w", r.UID, err)
		}
	}
	return e, nil
}

// FormatTime renders timestamps for backends that store them as text.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a timestamp written by FormatTime.
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}
