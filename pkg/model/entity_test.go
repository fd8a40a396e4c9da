package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocument_GetID(t *testing.T) {
	doc := Document{"id": "abc", "title": "x"}
	assert.Equal(t, "abc", doc.GetID())

	assert.Equal(t, "", Document{}.GetID())
	assert.Equal(t, "", Document{"id": 42}.GetID())
}

func TestDocument_GenerateIDIfEmpty(t *testing.T) {
	doc := Document{}
	doc.GenerateIDIfEmpty()
	assert.NotEmpty(t, doc.GetID())
	assert.True(t, IsCanonicalID(doc.GetID()))

	doc2 := Document{"id": "keep"}
	doc2.GenerateIDIfEmpty()
	assert.Equal(t, "keep", doc2.GetID())
}

func TestIsCanonicalID(t *testing.T) {
	assert.True(t, IsCanonicalID("9f2c3a44-1c1d-4a7e-9f0a-1b2c3d4e5f60"))
	assert.False(t, IsCanonicalID("legacy_12345"))
	assert.False(t, IsCanonicalID(""))
}

func TestIsLegacyID(t *testing.T) {
	assert.True(t, IsLegacyID("user_12345"))
	assert.False(t, IsLegacyID("9f2c3a44-1c1d-4a7e-9f0a-1b2c3d4e5f60"))
	// No separator: odd but not in the legacy shape this check targets.
	assert.False(t, IsLegacyID("plainid"))
}
