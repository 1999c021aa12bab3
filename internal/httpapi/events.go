package httpapi

import (
	"errors"
	"net/http"

	"event-ingestion-service/internal/model"
	"event-ingestion-service/internal/task"
)

type listResponse struct {
	Events []model.Event `json:"events"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func ListEventsHandler(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseListFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.TenantID = tenantFrom(r)
		if f.TenantID == "" {
			writeError(w, http.StatusBadRequest, "tenantId is required")
			return
		}
		f = f.Normalize()

		events, err := svc.ListEvents(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Events: events, Limit: f.Limit, Offset: f.Offset})
	}
}

func GetEventHandler(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFrom(r)
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenantId is required")
			return
		}

		ev, err := svc.GetEvent(r.Context(), tenantID, r.PathValue("id"))
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeError(w, http.StatusNotFound, "event not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, ev)
	}
}

// RetryEventHandler replays a dead-lettered event: 202 with the reset
// event, 409 when it is not dead-lettered or a live copy already exists.
func RetryEventHandler(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFrom(r)
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenantId is required")
			return
		}

		ev, err := svc.Replay(r.Context(), tenantID, r.PathValue("id"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, ev)
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, model.ErrNotDeadLettered):
			writeError(w, http.StatusConflict, "event is not in DEAD_LETTER")
		case errors.Is(err, model.ErrDuplicateEvent):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}
