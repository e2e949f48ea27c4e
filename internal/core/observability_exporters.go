package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Operation families group service operations by the aggregate they touch.
const (
	FamilyEvent     = "event"
	FamilyDataValue = "data_value"
	FamilyOther     = "other"
)

// OperationFamily maps an operation name such as "save_data_values" to its
// family.
func OperationFamily(operation string) string {
	switch {
	case strings.Contains(operation, "data_value"):
		return FamilyDataValue
	case strings.HasSuffix(operation, "_event") || strings.HasPrefix(operation, "update_event_"):
		return FamilyEvent
	default:
		return FamilyOther
	}
}

var expvarSeq uint64

// OperationStats aggregates the outcomes of one operation or family.
type OperationStats struct {
	Calls   int64   `json:"calls"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

func (s *OperationStats) add(success bool, ms float64) {
	s.Calls++
	if !success {
		s.Errors++
	}
	s.TotalMS += ms
	if ms > s.MaxMS {
		s.MaxMS = ms
	}
}

// ExpvarMetricsRecorder keeps per-operation and per-family stats and
// publishes them through expvar.
type ExpvarMetricsRecorder struct {
	name       string
	mu         sync.Mutex
	operations map[string]OperationStats
	families   map[string]OperationStats
}

// ExpvarMetricsSnapshot is a copy of the recorder state.
type ExpvarMetricsSnapshot struct {
	Operations map[string]OperationStats `json:"operations"`
	Families   map[string]OperationStats `json:"families"`
	RecordedAt time.Time                 `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated eventcore_metrics_<n> name when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("eventcore_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:       name,
		operations: make(map[string]OperationStats),
		families:   make(map[string]OperationStats),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar key.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the current stats.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ExpvarMetricsSnapshot{
		Operations: copyStats(r.operations),
		Families:   copyStats(r.families),
		RecordedAt: time.Now().UTC(),
	}
}

func copyStats(in map[string]OperationStats) map[string]OperationStats {
	out := make(map[string]OperationStats, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Observe implements MetricsRecorder. Unnamed operations are dropped.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	family := OperationFamily(operation)

	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.operations[operation]
	op.add(success, ms)
	r.operations[operation] = op
	fam := r.families[family]
	fam.add(success, ms)
	r.families[family] = fam
}

// JSONTraceEntry is one finished span.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Family     string    `json:"family"`
	Event      string    `json:"event,omitempty"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes one JSON line per finished span and keeps the
// entries for inspection. A nil writer only keeps them.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
	now     func() time.Time
}

// NewJSONTracer constructs a tracer writing to w.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the finished spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// EntriesForEvent returns the finished spans that touched eventID.
func (t *JSONTraceTracer) EntriesForEvent(eventID string) []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []JSONTraceEntry
	for _, e := range t.entries {
		if e.Event == eventID {
			out = append(out, e)
		}
	}
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation, eventID string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{
		tracer: t,
		entry: JSONTraceEntry{
			Operation: operation,
			Family:    OperationFamily(operation),
			Event:     eventID,
			StartedAt: t.now(),
		},
	}
}

func (t *JSONTraceTracer) finish(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer *JSONTraceTracer
	entry  JSONTraceEntry
}

func (s *jsonTraceSpan) End(err error) {
	entry := s.entry
	entry.EndedAt = s.tracer.now()
	entry.DurationMS = float64(entry.EndedAt.Sub(entry.StartedAt)) / float64(time.Millisecond)
	entry.Status = statusLabel(err == nil)
	if err != nil {
		entry.Error = err.Error()
	}
	s.tracer.finish(entry)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
