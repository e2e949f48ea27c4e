package httpapi

import (
	"net/http"

	"eventcore/internal/adapters/archive"
	"eventcore/internal/core"

	"github.com/gin-gonic/gin"
)

type createEventRequest struct {
	ID               string           `json:"id"`
	ProgramStage     string           `json:"programStage"`
	OrganisationUnit string           `json:"orgUnit"`
	Status           core.EventStatus `json:"status"`
}

type statusRequest struct {
	Status core.EventStatus `json:"status"`
}

type dataValuesRequest struct {
	DataValues []core.DataValue `json:"dataValues"`
}

type dataValueRequest struct {
	Value             string `json:"value"`
	ProvidedElsewhere bool   `json:"providedElsewhere"`
	StoredBy          string `json:"storedBy"`
}

type violationResponse struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entityId,omitempty"`
}

type mutationResponse struct {
	Event      core.Event          `json:"event"`
	Violations []violationResponse `json:"violations,omitempty"`
}

func violations(res core.Result) []violationResponse {
	if len(res.Violations) == 0 {
		return nil
	}
	out := make([]violationResponse, 0, len(res.Violations))
	for _, v := range res.Violations {
		out = append(out, violationResponse{
			Rule:     v.Rule,
			Severity: string(v.Severity),
			Message:  v.Message,
			Entity:   string(v.Entity),
			EntityID: v.EntityID,
		})
	}
	return out
}

func (h *handler) createEvent(c *gin.Context) {
	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	event, res, err := h.svc.CreateEvent(c.Request.Context(), core.Event{
		ID:               req.ID,
		ProgramStage:     req.ProgramStage,
		OrganisationUnit: req.OrganisationUnit,
		Status:           req.Status,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mutationResponse{Event: event, Violations: violations(res)})
}

func (h *handler) listEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.svc.ListEvents(c.Request.Context())})
}

func (h *handler) getEvent(c *gin.Context) {
	event, err := h.svc.GetEvent(c.Request.Context(), c.Param("event"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *handler) updateEventStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	event, res, err := h.svc.UpdateEventStatus(c.Request.Context(), c.Param("event"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mutationResponse{Event: event, Violations: violations(res)})
}

func (h *handler) deleteEvent(c *gin.Context) {
	if _, err := h.svc.DeleteEvent(c.Request.Context(), c.Param("event")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listDataValues(c *gin.Context) {
	values, err := h.svc.ListDataValues(c.Request.Context(), c.Param("event"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataValues": values})
}

type batchOp func(c *gin.Context, eventID string, values []core.DataValue) (core.Event, core.Result, error)

type singleOp func(c *gin.Context, eventID string, dv core.DataValue) (core.Event, core.Result, error)

func (h *handler) saveDataValues(c *gin.Context) {
	h.batch(c, func(c *gin.Context, id string, values []core.DataValue) (core.Event, core.Result, error) {
		return h.svc.SaveDataValues(c.Request.Context(), id, values)
	})
}

func (h *handler) updateDataValues(c *gin.Context) {
	h.batch(c, func(c *gin.Context, id string, values []core.DataValue) (core.Event, core.Result, error) {
		return h.svc.UpdateDataValues(c.Request.Context(), id, values)
	})
}

func (h *handler) deleteDataValues(c *gin.Context) {
	h.batch(c, func(c *gin.Context, id string, values []core.DataValue) (core.Event, core.Result, error) {
		return h.svc.DeleteDataValues(c.Request.Context(), id, values)
	})
}

func (h *handler) batch(c *gin.Context, op batchOp) {
	var req dataValuesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	who := principal(c)
	for i := range req.DataValues {
		if req.DataValues[i].StoredBy == "" {
			req.DataValues[i].StoredBy = who
		}
	}
	event, res, err := op(c, c.Param("event"), req.DataValues)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mutationResponse{Event: event, Violations: violations(res)})
}

func (h *handler) saveDataValue(c *gin.Context) {
	h.single(c, true, func(c *gin.Context, id string, dv core.DataValue) (core.Event, core.Result, error) {
		return h.svc.SaveDataValue(c.Request.Context(), id, dv)
	})
}

func (h *handler) updateDataValue(c *gin.Context) {
	h.single(c, true, func(c *gin.Context, id string, dv core.DataValue) (core.Event, core.Result, error) {
		return h.svc.UpdateDataValue(c.Request.Context(), id, dv)
	})
}

func (h *handler) deleteDataValue(c *gin.Context) {
	h.single(c, false, func(c *gin.Context, id string, dv core.DataValue) (core.Event, core.Result, error) {
		return h.svc.DeleteDataValue(c.Request.Context(), id, dv)
	})
}

// single addresses the data value by path; a body is read only when the
// operation writes a value.
func (h *handler) single(c *gin.Context, withBody bool, op singleOp) {
	dv := core.DataValue{DataElement: c.Param("dataElement")}
	if withBody {
		var req dataValueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		dv.Value = req.Value
		dv.ProvidedElsewhere = req.ProvidedElsewhere
		dv.StoredBy = req.StoredBy
		if dv.StoredBy == "" {
			dv.StoredBy = principal(c)
		}
	}
	event, res, err := op(c, c.Param("event"), dv)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mutationResponse{Event: event, Violations: violations(res)})
}

func (h *handler) exportArchive(c *gin.Context) {
	format, err := archive.ParseFormat(c.Query("format"))
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := h.archive.Export(c.Request.Context(), c.Param("event"), format)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handler) listArchives(c *gin.Context) {
	eventID := c.Param("event")
	if _, err := h.svc.GetEvent(c.Request.Context(), eventID); err != nil {
		writeError(c, err)
		return
	}
	list, err := h.archive.List(c.Request.Context(), eventID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": list})
}

func (h *handler) getArchive(c *gin.Context) {
	info, body, err := h.archive.Get(c.Request.Context(), c.Param("event"), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, info.ContentType, body)
}

// purgeArchives also serves events that were already deleted.
func (h *handler) purgeArchives(c *gin.Context) {
	removed, err := h.archive.Purge(c.Request.Context(), c.Param("event"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
