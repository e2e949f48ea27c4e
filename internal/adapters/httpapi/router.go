// Package httpapi exposes the event data value engine over HTTP using gin.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"eventcore/docs/schema/openapi"
	"eventcore/internal/adapters/archive"
	"eventcore/internal/core"

	"github.com/gin-gonic/gin"
)

// EventService is the engine surface the handlers drive.
type EventService interface {
	CreateEvent(ctx context.Context, e core.Event) (core.Event, core.Result, error)
	GetEvent(ctx context.Context, id string) (core.Event, error)
	ListEvents(ctx context.Context) []core.Event
	UpdateEventStatus(ctx context.Context, id string, status core.EventStatus) (core.Event, core.Result, error)
	DeleteEvent(ctx context.Context, id string) (core.Result, error)

	SaveDataValue(ctx context.Context, eventID string, dv core.DataValue) (core.Event, core.Result, error)
	SaveDataValues(ctx context.Context, eventID string, values []core.DataValue) (core.Event, core.Result, error)
	UpdateDataValue(ctx context.Context, eventID string, dv core.DataValue) (core.Event, core.Result, error)
	UpdateDataValues(ctx context.Context, eventID string, values []core.DataValue) (core.Event, core.Result, error)
	DeleteDataValue(ctx context.Context, eventID string, dv core.DataValue) (core.Event, core.Result, error)
	DeleteDataValues(ctx context.Context, eventID string, values []core.DataValue) (core.Event, core.Result, error)
	ListDataValues(ctx context.Context, eventID string) ([]core.DataValue, error)
}

// Config wires the router. Archive, Metrics and APIKeys are optional.
type Config struct {
	Service EventService
	Archive *archive.Exporter
	// Metrics serves GET /metrics when set (typically promhttp).
	Metrics http.Handler
	// APIKeys maps X-API-Key values to the principal recorded as storedBy
	// when a data value arrives without one. Empty disables authentication.
	APIKeys map[string]string
	Logger  core.Logger
}

type handler struct {
	svc     EventService
	archive *archive.Exporter
	logger  core.Logger
}

// NewRouter builds the gin engine.
// Public: /health, /metrics, /openapi.yaml. Authenticated (when keys are configured): /events.
func NewRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNoopLogger()
	}
	h := &handler{svc: cfg.Service, archive: cfg.Archive, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", openapi.Spec())
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	events := r.Group("/events")
	if len(cfg.APIKeys) > 0 {
		events.Use(apiKeyMiddleware(cfg.APIKeys))
	}
	events.POST("", h.createEvent)
	events.GET("", h.listEvents)
	events.GET("/:event", h.getEvent)
	events.PATCH("/:event", h.updateEventStatus)
	events.DELETE("/:event", h.deleteEvent)

	events.GET("/:event/datavalues", h.listDataValues)
	events.POST("/:event/datavalues", h.saveDataValues)
	events.PUT("/:event/datavalues", h.updateDataValues)
	events.DELETE("/:event/datavalues", h.deleteDataValues)
	events.POST("/:event/datavalues/:dataElement", h.saveDataValue)
	events.PUT("/:event/datavalues/:dataElement", h.updateDataValue)
	events.DELETE("/:event/datavalues/:dataElement", h.deleteDataValue)

	if cfg.Archive != nil {
		events.POST("/:event/archives", h.exportArchive)
		events.GET("/:event/archives", h.listArchives)
		events.GET("/:event/archives/:name", h.getArchive)
		events.DELETE("/:event/archives", h.purgeArchives)
	}
	return r
}

const principalKey = "principal"

func apiKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := keys[strings.TrimSpace(c.GetHeader("X-API-Key"))]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principal(c *gin.Context) string {
	v, _ := c.Get(principalKey)
	s, _ := v.(string)
	return s
}

func requestLogger(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}
