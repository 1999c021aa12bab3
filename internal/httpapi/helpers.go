package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

const TenantHeader = "X-Tenant-Id"

// tenantFrom reads the tenant from ?tenantId= or the X-Tenant-Id header.
func tenantFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("tenantId")); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}
