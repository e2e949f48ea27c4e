package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"eventcore/internal/adapters/archive"
	"eventcore/internal/blob"
	"eventcore/internal/core"
	"eventcore/testutil"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type apiFixture struct {
	svc    *core.Service
	router *gin.Engine
}

func newFixture(t *testing.T, mutate func(*Config)) apiFixture {
	t.Helper()
	engine := core.NewRulesEngine()
	svc := core.NewInMemoryService(engine)
	cfg := Config{
		Service: svc,
		Archive: archive.NewExporter(svc, blob.NewMemory()),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return apiFixture{svc: svc, router: NewRouter(cfg)}
}

func (f apiFixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type eventBody struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	DataValues []struct {
		DataElement string `json:"dataElement"`
		Value       string `json:"value"`
		StoredBy    string `json:"storedBy"`
	} `json:"dataValues"`
}

type mutationBody struct {
	Event      eventBody           `json:"event"`
	Violations []violationResponse `json:"violations"`
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.APIKeys = map[string]string{"k": "svc"} })
	rec := f.do(t, http.MethodGet, "/openapi.yaml", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without api key, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/yaml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "/events/{event}/datavalues:") {
		t.Fatalf("openapi document missing data value routes")
	}
}

func TestEventLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/events", `{"id":"ev1","programStage":"ps","status":"ACTIVE"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[mutationBody](t, rec); got.Event.ID != "ev1" || len(got.Event.DataValues) != 0 {
		t.Fatalf("unexpected created event %+v", got)
	}
	if rec := f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/events", `{"status":"DONE"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/events", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPatch, "/events/ev1", `{"status":"COMPLETED"}`)
	if rec.Code != http.StatusOK || decode[mutationBody](t, rec).Event.Status != "COMPLETED" {
		t.Fatalf("status update: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/events", "")
	if list := decode[struct {
		Events []eventBody `json:"events"`
	}](t, rec); len(list.Events) != 1 {
		t.Fatalf("unexpected list %s", rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, "/events/ev1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/events/ev1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/events/ev1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", rec.Code)
	}
}

func TestDataValueBatchRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)

	rec := f.do(t, http.MethodPost, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"b","value":"2"},{"dataElement":"a","value":"1"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[mutationBody](t, rec); len(got.Event.DataValues) != 2 || got.Event.DataValues[0].DataElement != "a" {
		t.Fatalf("unexpected event %+v", got.Event)
	}

	rec = f.do(t, http.MethodPut, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"a","value":"10"},{"dataElement":"c","value":"3"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"b"},{"dataElement":"zz"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/events/ev1/datavalues", "")
	got := decode[struct {
		DataValues []struct {
			DataElement string `json:"dataElement"`
			Value       string `json:"value"`
		} `json:"dataValues"`
	}](t, rec)
	if len(got.DataValues) != 2 || got.DataValues[0].Value != "10" || got.DataValues[1].DataElement != "c" {
		t.Fatalf("unexpected data values %s", rec.Body.String())
	}

	if rec := f.do(t, http.MethodPost, "/events/missing/datavalues", `{"dataValues":[{"dataElement":"a"}]}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing event, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"x"},{"dataElement":""}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid data value, got %d", rec.Code)
	}
	values, _ := f.svc.ListDataValues(context.Background(), "ev1")
	if len(values) != 2 {
		t.Fatalf("rejected batch must not apply partially, got %+v", values)
	}
}

func TestDataValueSingleRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)

	if rec := f.do(t, http.MethodPost, "/events/ev1/datavalues/de1", `{"value":"1","storedBy":"nurse"}`); rec.Code != http.StatusOK {
		t.Fatalf("save one: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPut, "/events/ev1/datavalues/de1", `{"value":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update one: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[mutationBody](t, rec); got.Event.DataValues[0].Value != "2" {
		t.Fatalf("unexpected value %+v", got.Event)
	}
	if rec := f.do(t, http.MethodDelete, "/events/ev1/datavalues/de1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete one: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/events/ev1/datavalues/de1", ""); rec.Code != http.StatusOK {
		t.Fatalf("deleting an absent value is a no-op, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/events/ev1/datavalues/de1", `nope`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRuleViolationMapsTo422(t *testing.T) {
	dict := core.NewStaticDictionary("known")
	f := newFixture(t, func(cfg *Config) {
		engine := core.NewRulesEngine()
		engine.Register(core.NewDataElementExistsRule(dict))
		svc := core.NewInMemoryService(engine)
		cfg.Service = svc
	})
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)
	rec := f.do(t, http.MethodPost, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"known","value":"1"},{"dataElement":"unknown","value":"2"}]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Violations []violationResponse `json:"violations"`
	}](t, rec)
	if len(body.Violations) != 1 || body.Violations[0].Rule != "data_element_exists" {
		t.Fatalf("unexpected violations %+v", body.Violations)
	}
	rec = f.do(t, http.MethodGet, "/events/ev1/datavalues", "")
	if strings.Contains(rec.Body.String(), "known") {
		t.Fatalf("blocked batch must leave the set unchanged: %s", rec.Body.String())
	}
}

func TestArchiveRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)
	f.do(t, http.MethodPost, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"a","value":"1"}]}`)

	rec := f.do(t, http.MethodPost, "/events/ev1/archives?format=csv", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[archive.Archive](t, rec)
	if created.Format != archive.FormatCSV || created.DataValues != 1 {
		t.Fatalf("unexpected archive %+v", created)
	}
	if rec := f.do(t, http.MethodPost, "/events/ev1/archives?format=xml", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for format, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/events/missing/archives", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing event, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/events/ev1/archives", "")
	list := decode[struct {
		Archives []archive.Archive `json:"archives"`
	}](t, rec)
	if len(list.Archives) != 1 || list.Archives[0].Name != created.Name {
		t.Fatalf("unexpected archive list %s", rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/events/missing/archives", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 listing missing event, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/events/ev1/archives/"+created.Name, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" || !strings.Contains(rec.Body.String(), "dataElement") {
		t.Fatalf("download: %d %q %s", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/events/ev1/archives/none.json", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown archive, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/events/ev1/archives", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":1`) {
		t.Fatalf("purge: %d %s", rec.Code, rec.Body.String())
	}
}

func TestArchiveRoutesDisabledWithoutExporter(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Archive = nil })
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)
	if rec := f.do(t, http.MethodPost, "/events/ev1/archives", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected archive routes absent, got %d", rec.Code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.APIKeys = map[string]string{"secret": "clinic-a"} })
	if rec := f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`, "X-API-Key", "secret"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with key, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/events/ev1/datavalues", `{"dataValues":[{"dataElement":"a","value":"1"}]}`, "X-API-Key", "secret")
	if got := decode[mutationBody](t, rec); got.Event.DataValues[0].StoredBy != "clinic-a" {
		t.Fatalf("expected principal recorded as storedBy, got %+v", got.Event.DataValues)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	f := newFixture(t, func(cfg *Config) {
		svc := core.NewInMemoryService(nil, core.WithMetricsRecorder(recorder))
		cfg.Service = svc
		cfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	f.do(t, http.MethodPost, "/events", `{"id":"ev1"}`)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `eventcore_operations_total{operation="create_event",status="success"} 1`) {
		t.Fatalf("unexpected metrics output: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{core.NotFoundError{Entity: core.EntityEvent, ID: "x"}, http.StatusNotFound},
		{fmt.Errorf("get: %w", blob.ErrNotFound), http.StatusNotFound},
		{core.ErrInvalidDataValue, http.StatusBadRequest},
		{fmt.Errorf("%w: DONE", core.ErrInvalidEventStatus), http.StatusBadRequest},
		{archive.ErrUnknownFormat, http.StatusBadRequest},
		{fmt.Errorf("%w: ev", core.ErrEventExists), http.StatusConflict},
		{core.RuleViolationError{}, http.StatusUnprocessableEntity},
		{core.PersistenceError{Op: "commit", Err: errors.New("disk")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestAdapterDoesNotImportInfra(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImportForbidden, "http adapter reaches storage through core")
}
