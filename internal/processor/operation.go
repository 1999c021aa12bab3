package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type Kind string

const (
	KindUpsertEntity       Kind = "upsert_entity"
	KindUpsertRelationship Kind = "upsert_relationship"
)

// Operation is one idempotent mutation of the knowledge graph.
type Operation struct {
	Kind Kind `json:"kind"`
	// ID is the operation's target: an entity id, or a relationship id
	// built from its endpoints.
	ID   string `json:"id"`
	Type string `json:"type"`
	// From and To are set for relationships only.
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	IdempotencyKey string `json:"idempotencyKey"`
}

// OperationType names what the operation does to its target, e.g.
// "upsert_entity:Task".
func (op Operation) OperationType() string {
	return string(op.Kind) + ":" + op.Type
}

// IdempotencyKey is hex(sha256(tenantID|externalID|operationType)).
func IdempotencyKey(tenantID, externalID, operationType string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + externalID + "|" + operationType))
	return hex.EncodeToString(sum[:])
}

// Digest fingerprints the operation's content. Two ops with the same
// idempotency key but different properties have different digests.
func Digest(op Operation) string {
	body := op
	body.IdempotencyKey = ""
	b, _ := json.Marshal(body) // map keys are marshalled sorted
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Body is the JSON document sent downstream for op.
func Body(op Operation) map[string]any {
	switch op.Kind {
	case KindUpsertRelationship:
		return map[string]any{
			"id":         op.ID,
			"type":       op.Type,
			"sourceId":   op.From,
			"targetId":   op.To,
			"properties": op.Properties,
		}
	default:
		return map[string]any{
			"id":         op.ID,
			"type":       op.Type,
			"properties": op.Properties,
		}
	}
}
