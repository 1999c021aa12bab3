// Package processor turns one stored event into the graph operations it
// implies. It does no I/O: the same event always yields the same result,
// which is what makes re-running it on retry safe.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"event-ingestion-service/internal/model"
)

// ValidationError marks a payload the processor cannot map. It is
// permanent: retrying the same bytes cannot succeed.
type ValidationError struct {
	EventType string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.EventType, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == model.ErrInvalidEvent
}

// Result is what one event maps to. Diagnostic is set when the event was
// understood but produced nothing, e.g. an unmapped type.
type Result struct {
	Ops        []Operation
	Diagnostic string
}

type mapper func(tenantID string, payload json.RawMessage) ([]Operation, error)

var mappers = map[string]mapper{
	"issue_created": mapIssue,
	"issue_updated": mapIssue,
	"page_created":  mapPage,
	"page_updated":  mapPage,
	"user_updated":  mapUser,
}

// Processor is the stateless event mapper the worker calls.
type Processor struct{}

func New() Processor { return Processor{} }

func (Processor) Process(e model.Event) (Result, error) { return Process(e) }

// Supported reports whether eventType has a mapping.
func Supported(eventType string) bool {
	_, ok := mappers[eventType]
	return ok
}

func Process(e model.Event) (Result, error) {
	m, ok := mappers[e.Type]
	if !ok {
		return Result{Ops: []Operation{}, Diagnostic: fmt.Sprintf("unmapped event type %q", e.Type)}, nil
	}
	ops, err := m(e.TenantID, e.Payload)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.EventType = e.Type
			return Result{}, verr
		}
		return Result{}, &ValidationError{EventType: e.Type, Reason: err.Error()}
	}
	return Result{Ops: ops}, nil
}

type ref struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Key   string `json:"key"`
}

func (r *ref) present() bool { return r != nil && strings.TrimSpace(r.ID) != "" }

type issuePayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Assignee    *ref   `json:"assignee"`
	Project     *ref   `json:"project"`
}

type pagePayload struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Author *ref   `json:"author"`
	Space  *ref   `json:"space"`
}

type userPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &ValidationError{Reason: "empty payload"}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Reason: "malformed json: " + err.Error()}
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Reason: "missing " + field}
	}
	return nil
}

func mapIssue(tenantID string, payload json.RawMessage) ([]Operation, error) {
	var p issuePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := errors.Join(required("id", p.ID), required("title", p.Title)); err != nil {
		return nil, firstValidation(err)
	}

	ops := []Operation{entity(tenantID, p.ID, "Task", props(
		"title", p.Title,
		"description", p.Description,
		"status", p.Status,
		"priority", p.Priority,
	))}
	if p.Assignee.present() {
		ops = append(ops,
			person(tenantID, p.Assignee),
			relationship(tenantID, p.ID, "ASSIGNED_TO", p.Assignee.ID),
		)
	}
	if p.Project.present() {
		ops = append(ops,
			entity(tenantID, p.Project.ID, "Project", props("name", p.Project.Name, "key", p.Project.Key)),
			relationship(tenantID, p.ID, "PART_OF", p.Project.ID),
		)
	}
	return ops, nil
}

func mapPage(tenantID string, payload json.RawMessage) ([]Operation, error) {
	var p pagePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := errors.Join(required("id", p.ID), required("title", p.Title)); err != nil {
		return nil, firstValidation(err)
	}

	ops := []Operation{entity(tenantID, p.ID, "Document", props("title", p.Title, "url", p.URL))}
	if p.Author.present() {
		ops = append(ops,
			person(tenantID, p.Author),
			relationship(tenantID, p.ID, "AUTHORED_BY", p.Author.ID),
		)
	}
	if p.Space.present() {
		ops = append(ops,
			entity(tenantID, p.Space.ID, "Space", props("name", p.Space.Name, "key", p.Space.Key)),
			relationship(tenantID, p.ID, "IN_SPACE", p.Space.ID),
		)
	}
	return ops, nil
}

func mapUser(tenantID string, payload json.RawMessage) ([]Operation, error) {
	var p userPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := required("id", p.ID); err != nil {
		return nil, err
	}
	return []Operation{person(tenantID, &ref{ID: p.ID, Name: p.Name, Email: p.Email})}, nil
}

func firstValidation(err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return err
}

func entity(tenantID, id, typ string, properties map[string]any) Operation {
	op := Operation{Kind: KindUpsertEntity, ID: id, Type: typ, Properties: properties}
	op.IdempotencyKey = IdempotencyKey(tenantID, op.ID, op.OperationType())
	return op
}

func person(tenantID string, r *ref) Operation {
	return entity(tenantID, r.ID, "Person", props("name", r.Name, "email", r.Email))
}

func relationship(tenantID, from, typ, to string) Operation {
	op := Operation{
		Kind: KindUpsertRelationship,
		ID:   from + ":" + typ + ":" + to,
		Type: typ,
		From: from,
		To:   to,
	}
	op.IdempotencyKey = IdempotencyKey(tenantID, op.ID, op.OperationType())
	return op
}

// props builds a property map from key/value pairs, dropping empty values.
func props(kv ...string) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if v := strings.TrimSpace(kv[i+1]); v != "" {
			out[kv[i]] = v
		}
	}
	return out
}
