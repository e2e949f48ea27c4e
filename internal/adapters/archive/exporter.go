// Package archive snapshots the data value set of an event into a blob store.
// Every export is a new immutable object under
// events/<event>/datavalues/<timestamp>-<uuid>.<ext>.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"eventcore/internal/blob"
	"eventcore/internal/core"

	"github.com/google/uuid"
)

// Format selects the archive encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

const timestampLayout = "20060102T150405.000Z"

// ErrUnknownFormat is returned for formats other than json and csv.
var ErrUnknownFormat = errors.New("unknown archive format")

// ParseFormat maps a user supplied name to a Format; empty means json.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
}

func (f Format) contentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// EventSource resolves committed events.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (core.Event, error)
}

// Archive describes one stored snapshot.
type Archive struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	EventID     string    `json:"event"`
	Format      Format    `json:"format"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	DataValues  int       `json:"dataValues"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Document is the JSON archive body.
type Document struct {
	Event            string           `json:"event"`
	ProgramStage     string           `json:"programStage,omitempty"`
	OrganisationUnit string           `json:"orgUnit,omitempty"`
	Status           core.EventStatus `json:"status,omitempty"`
	ExportedAt       time.Time        `json:"exportedAt"`
	DataValues       []core.DataValue `json:"dataValues"`
}

// Exporter writes and reads archives.
type Exporter struct {
	source EventSource
	store  blob.Store
	now    func() time.Time
	newID  func() string
	logger core.Logger
	expiry time.Duration
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithClock overrides the timestamp source used in keys.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the exporter logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithURLExpiry sets the lifetime of presigned download URLs.
func WithURLExpiry(d time.Duration) Option {
	return func(e *Exporter) { e.expiry = d }
}

// NewExporter constructs an exporter reading events from source.
func NewExporter(source EventSource, store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		source: source,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: core.NewNoopLogger(),
		expiry: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the backing blob store.
func (e *Exporter) Store() blob.Store { return e.store }

func eventPrefix(eventID string) string {
	return "events/" + url.PathEscape(eventID) + "/datavalues/"
}

// Export snapshots the current data value set of eventID.
func (e *Exporter) Export(ctx context.Context, eventID string, format Format) (Archive, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return Archive{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	event, err := e.source.GetEvent(ctx, eventID)
	if err != nil {
		return Archive{}, err
	}
	exportedAt := e.now().UTC()
	values := event.DataValues.Sorted()
	payload, err := render(format, Document{
		Event:            event.ID,
		ProgramStage:     event.ProgramStage,
		OrganisationUnit: event.OrganisationUnit,
		Status:           event.Status,
		ExportedAt:       exportedAt,
		DataValues:       values,
	})
	if err != nil {
		return Archive{}, err
	}
	name := exportedAt.Format(timestampLayout) + "-" + e.newID() + "." + string(format)
	key := eventPrefix(event.ID) + name
	info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: format.contentType(),
		Metadata: map[string]string{
			"event":      event.ID,
			"format":     string(format),
			"datavalues": strconv.Itoa(len(values)),
		},
	})
	if err != nil {
		return Archive{}, fmt.Errorf("store archive: %w", err)
	}
	e.logger.Info("data values archived", "event", event.ID, "key", key, "format", string(format), "count", len(values))
	archive := e.archiveFromInfo(event.ID, info)
	archive.DataValues = len(values)
	archive.CreatedAt = exportedAt
	return archive, nil
}

// List returns the archives of eventID ordered oldest first. Download URLs are
// attached when the backend can presign them.
func (e *Exporter) List(ctx context.Context, eventID string) ([]Archive, error) {
	infos, err := e.store.List(ctx, eventPrefix(eventID))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	out := make([]Archive, 0, len(infos))
	for _, info := range infos {
		archive := e.archiveFromInfo(eventID, info)
		signed, err := e.store.PresignURL(ctx, info.Key, blob.SignedURLOptions{Method: "GET", Expiry: e.expiry})
		switch {
		case err == nil:
			archive.URL = signed
		case !errors.Is(err, blob.ErrUnsupported):
			return nil, fmt.Errorf("presign %s: %w", info.Key, err)
		}
		out = append(out, archive)
	}
	return out, nil
}

// Get returns an archive and its body.
func (e *Exporter) Get(ctx context.Context, eventID, name string) (Archive, []byte, error) {
	if !validArchiveName(name) {
		return Archive{}, nil, fmt.Errorf("%w: %q", blob.ErrNotFound, name)
	}
	info, rc, err := e.store.Get(ctx, eventPrefix(eventID)+name)
	if err != nil {
		return Archive{}, nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Archive{}, nil, fmt.Errorf("read archive: %w", err)
	}
	return e.archiveFromInfo(eventID, info), body, nil
}

// validArchiveName accepts a single path element naming a file under the
// event's archive prefix.
func validArchiveName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Purge deletes every archive of eventID and reports how many were removed.
func (e *Exporter) Purge(ctx context.Context, eventID string) (int, error) {
	infos, err := e.store.List(ctx, eventPrefix(eventID))
	if err != nil {
		return 0, fmt.Errorf("list archives: %w", err)
	}
	removed := 0
	for _, info := range infos {
		ok, err := e.store.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("delete %s: %w", info.Key, err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("archives purged", "event", eventID, "count", removed)
	}
	return removed, nil
}

func (e *Exporter) archiveFromInfo(eventID string, info blob.Info) Archive {
	name := path.Base(info.Key)
	format := Format(strings.TrimPrefix(path.Ext(name), "."))
	archive := Archive{
		Key:         info.Key,
		Name:        name,
		EventID:     eventID,
		Format:      format,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		CreatedAt:   info.LastModified,
	}
	if archive.ContentType == "" {
		archive.ContentType = format.contentType()
	}
	if n, err := strconv.Atoi(info.Metadata["datavalues"]); err == nil {
		archive.DataValues = n
	}
	if stamp, _, ok := strings.Cut(name, "-"); ok {
		if ts, err := time.Parse(timestampLayout, stamp); err == nil {
			archive.CreatedAt = ts
		}
	}
	return archive
}

var csvHeader = []string{"event", "dataElement", "value", "providedElsewhere", "storedBy", "created", "lastUpdated"}

func render(format Format, doc Document) ([]byte, error) {
	if format == FormatJSON {
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return payload, nil
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, dv := range doc.DataValues {
		record := []string{
			doc.Event,
			dv.DataElement,
			dv.Value,
			strconv.FormatBool(dv.ProvidedElsewhere),
			dv.StoredBy,
			dv.Created.UTC().Format(time.RFC3339Nano),
			dv.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
