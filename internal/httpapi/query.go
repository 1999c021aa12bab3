package httpapi

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"event-ingestion-service/internal/model"
)

// parseListFilter reads GET /events query parameters. from/to accept
// RFC 3339 timestamps or a bare UTC day (YYYY-MM-DD).
func parseListFilter(q url.Values) (model.ListFilter, error) {
	var f model.ListFilter

	if v := q.Get("status"); v != "" {
		st, ok := model.ParseStatus(v)
		if !ok {
			return model.ListFilter{}, fmt.Errorf("unknown status %q", v)
		}
		f.Status = st
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return model.ListFilter{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", p.name)
		}
		*p.dst = &t
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return model.ListFilter{}, errors.New("from must be before to")
	}

	var err error
	if f.Limit, err = parseNonNegative(q, "limit"); err != nil {
		return model.ListFilter{}, err
	}
	if f.Offset, err = parseNonNegative(q, "offset"); err != nil {
		return model.ListFilter{}, err
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseNonNegative(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
