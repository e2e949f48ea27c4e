package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"eventcore/pkg/domain"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds the engine the server runs with. A non-nil
// dict installs the data_element_exists rule; with nil, data elements are
// not checked.
func NewDefaultRulesEngine(dict DataElementDictionary) *RulesEngine {
	engine := domain.NewRulesEngine()
	if dict != nil {
		engine.Register(NewDataElementExistsRule(dict))
	}
	return engine
}

const dataElementExistsRuleName = "data_element_exists"

// NewDataElementExistsRule returns a rule blocking data value writes that
// reference data elements unknown to dict. Deletes are never blocked.
func NewDataElementExistsRule(dict DataElementDictionary) domain.Rule {
	return dataElementExistsRule{dict: dict}
}

type dataElementExistsRule struct {
	dict DataElementDictionary
}

func (dataElementExistsRule) Name() string { return dataElementExistsRuleName }

func (r dataElementExistsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if r.dict == nil {
		return res, nil
	}
	for _, change := range changes {
		if change.Entity != domain.EntityDataValue || change.Action == domain.ActionDelete {
			continue
		}
		dv, ok := change.After.(domain.DataValue)
		if !ok {
			return res, fmt.Errorf("%s: unexpected change payload %T", dataElementExistsRuleName, change.After)
		}
		if r.dict.HasDataElement(dv.DataElement) {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     dataElementExistsRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("data element %s does not exist (event %s)", dv.DataElement, change.EventID),
			Entity:   domain.EntityDataValue,
			EntityID: dv.DataElement,
		})
	}
	return res, nil
}

// StaticDictionary is an in-memory DataElementDictionary.
type StaticDictionary struct {
	mu       sync.RWMutex
	elements map[string]struct{}
}

// NewStaticDictionary returns a dictionary holding the given UIDs.
func NewStaticDictionary(uids ...string) *StaticDictionary {
	d := &StaticDictionary{elements: make(map[string]struct{}, len(uids))}
	d.Add(uids...)
	return d
}

// Add registers data element UIDs. Blank UIDs are ignored.
func (d *StaticDictionary) Add(uids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, uid := range uids {
		if uid = strings.TrimSpace(uid); uid != "" {
			d.elements[uid] = struct{}{}
		}
	}
}

// HasDataElement implements domain.DataElementDictionary.
func (d *StaticDictionary) HasDataElement(uid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.elements[uid]
	return ok
}

// UIDs returns the registered UIDs in sorted order.
func (d *StaticDictionary) UIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.elements))
	for uid := range d.elements {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
