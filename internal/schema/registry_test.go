package schema

import (
	"testing"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookDefinition() *Definition {
	ap := false
	return &Definition{
		ID:   "book",
		Type: "object",
		Properties: map[string]map[string]any{
			"isbn":  {"type": "string", "objectId": true},
			"title": {"type": "string", "filter": true, "searchable": true},
			"pages": {"type": "integer"},
		},
		Required:             []string{"isbn", "title"},
		AdditionalProperties: &ap,
	}
}

func TestResolvePairValidatesObjects(t *testing.T) {
	reg := NewRegistry()
	objV, listV, err := reg.ResolvePair("acme/schemas/book", bookDefinition())
	require.NoError(t, err)
	require.NotNil(t, objV)
	require.NotNil(t, listV)

	valid := map[string]any{"isbn": "123", "title": "Go", "pages": float64(200)}
	assert.NoError(t, objV.Validate(valid))

	err = objV.Validate(map[string]any{"isbn": "123", "pages": "many"})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Equal(t, apperr.MsgValidationFailed, ae.Message)
	// Both violations reported, not just the first.
	assert.GreaterOrEqual(t, len(ae.Violations), 2)
}

func TestResolvePairAllowsSystemFields(t *testing.T) {
	// additionalProperties is false, so acceptance proves the system fields
	// were merged into the schema before compilation.
	reg := NewRegistry()
	objV, _, err := reg.ResolvePair("acme/schemas/book", bookDefinition())
	require.NoError(t, err)

	obj := map[string]any{
		"isbn":      "123",
		"title":     "Go",
		"objectId":  "123",
		"createdAt": "2026-01-02T15:04:05Z",
		"updatedAt": "2026-01-02T16:00:00Z",
		"createdBy": map[string]any{"id": "u1", "email": "dev@acme.test"},
		"updatedBy": nil,
	}
	assert.NoError(t, objV.Validate(obj))

	bad := map[string]any{"isbn": "123", "title": "Go", "createdAt": "not-a-date"}
	assert.Error(t, objV.Validate(bad))
}

func TestResolvePairListValidator(t *testing.T) {
	reg := NewRegistry()
	_, listV, err := reg.ResolvePair("acme/schemas/book", bookDefinition())
	require.NoError(t, err)

	items := []any{
		map[string]any{"isbn": "1", "title": "A"},
		map[string]any{"isbn": "2", "title": "B"},
	}
	assert.NoError(t, listV.Validate(items))

	assert.Error(t, listV.Validate([]any{map[string]any{"isbn": "1"}}))
	assert.Error(t, listV.Validate(map[string]any{"isbn": "1", "title": "A"}))
}

func TestResolvePairCaches(t *testing.T) {
	reg := NewRegistry()
	objV1, _, err := reg.ResolvePair("acme/schemas/book", bookDefinition())
	require.NoError(t, err)
	objV2, _, err := reg.ResolvePair("acme/schemas/book", bookDefinition())
	require.NoError(t, err)
	assert.Same(t, objV1, objV2)

	reg.RemovePair("acme/schemas/book")
	_, ok := reg.GetCompiled("acme/schemas/book")
	assert.False(t, ok)
	_, ok = reg.GetCompiled("acme/schemas/book" + ListSuffix)
	assert.False(t, ok)
}

func TestResolvePairKeywordViolation(t *testing.T) {
	def := bookDefinition()
	def.Required = []string{"title"}

	reg := NewRegistry()
	_, _, err := reg.ResolvePair("acme/schemas/book", def)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, ok := reg.GetCompiled("acme/schemas/book")
	assert.False(t, ok)
}
