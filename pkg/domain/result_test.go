package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() == "" {
		t.Fatalf("expected error string")
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type emptyView struct{}

func (emptyView) FindEvent(string) (Event, bool) { return Event{}, false }
func (emptyView) ListEvents() []Event            { return nil }

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}

func TestRulesEngineRulesReturnsCopy(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"a"})
	rules := engine.Rules()
	rules[0] = staticRule{"b"}
	if engine.Rules()[0].Name() != "a" {
		t.Fatalf("expected registered rules to be isolated from caller")
	}
}

func TestErrorHelpers(t *testing.T) {
	nf := fmt.Errorf("wrapped: %w", NotFoundError{Entity: EntityEvent, ID: "ev1"})
	if !IsNotFound(nf) || IsPersistence(nf) {
		t.Fatalf("expected not found classification for %v", nf)
	}
	if nf.Error() != "wrapped: event ev1 not found" {
		t.Fatalf("unexpected message %q", nf.Error())
	}
	cause := fmt.Errorf("disk full")
	pe := PersistenceError{Op: "commit", Err: cause}
	if !IsPersistence(pe) || IsNotFound(pe) {
		t.Fatalf("expected persistence classification")
	}
	if !errors.Is(pe, cause) {
		t.Fatalf("expected persistence error to unwrap its cause")
	}
	if (PersistenceError{Op: "open"}).Error() != "persistence: open" {
		t.Fatalf("unexpected message without cause")
	}
}
