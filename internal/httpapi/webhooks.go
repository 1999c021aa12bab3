package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"event-ingestion-service/internal/httpapi/webhookauth"
	"event-ingestion-service/internal/model"
	"event-ingestion-service/internal/task"
)

// IngestRecorder counts intake results. observability.Metrics implements it.
type IngestRecorder interface {
	Ingested(source, result string)
}

type nopRecorder struct{}

func (nopRecorder) Ingested(string, string) {}

type webhookResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// WebhookHandler accepts signed deliveries on POST /webhooks/{tenantId}.
// X-Event-Id is the sender's event id and becomes the external id.
func WebhookHandler(secret string, now func() time.Time, svc *task.Service, rec IngestRecorder) http.HandlerFunc {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.PathValue("tenantId"))
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing tenant")
			return
		}
		eventID := strings.TrimSpace(r.Header.Get("X-Event-Id"))
		if eventID == "" {
			writeError(w, http.StatusBadRequest, "missing X-Event-Id")
			return
		}

		body, err := readBody(r, maxBodyBytes)
		if err != nil {
			writeError(w, bodyErrorStatus(err), err.Error())
			return
		}

		err = webhookauth.Verify(webhookauth.Input{
			Secret:          secret,
			TimestampHeader: r.Header.Get("X-Event-Timestamp"),
			SignatureHeader: r.Header.Get("X-Signature"),
			Body:            body,
			Now:             now(),
		})
		if err != nil {
			switch {
			case errors.Is(err, webhookauth.ErrInvalidTimestamp),
				errors.Is(err, webhookauth.ErrTimestampOutsideWindow):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				writeError(w, http.StatusUnauthorized, err.Error())
			}
			return
		}

		id, created, err := svc.IngestWebhook(r.Context(), tenantID, eventID, body)
		if err != nil {
			if errors.Is(err, model.ErrInvalidEvent) {
				rec.Ingested("webhook", "invalid")
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			rec.Ingested("webhook", "error")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Webhook-friendly: always 202 if accepted, even for a duplicate.
		if created {
			rec.Ingested("webhook", "created")
		} else {
			rec.Ingested("webhook", "duplicate")
		}
		writeJSON(w, http.StatusAccepted, webhookResponse{ID: id, Duplicate: !created})
	}
}
