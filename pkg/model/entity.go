package model

import (
	"strings"

	"github.com/google/uuid"
)

// Entity is the contract every value projected into a cache must satisfy:
// a stable identity that survives updates.
type Entity interface {
	GetID() string
}

// Document is the dynamic record type delivered by transports, represents a
// JSON object.
//
//	"id" field is reserved for the entity identity.
type Document map[string]interface{}

func (doc Document) GetID() string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

func (doc Document) SetID(newID string) {
	doc["id"] = newID
}

func (doc Document) GenerateIDIfEmpty() {
	if _, ok := doc["id"]; !ok {
		doc["id"] = uuid.New().String()
	}
}

// AsDocument is the identity transform used when a consumer projects raw
// records without a typed mapping.
func AsDocument(record map[string]interface{}) Document {
	return Document(record)
}

// IsCanonicalID reports whether id has the canonical identifier shape
// (RFC 4122 UUID).
func IsCanonicalID(id string) bool {
	return uuid.Validate(id) == nil
}

// IsLegacyID reports whether id looks like a pre-migration ad-hoc
// identifier: carries a separator and is not canonical.
func IsLegacyID(id string) bool {
	return strings.Contains(id, "_") && !IsCanonicalID(id)
}
