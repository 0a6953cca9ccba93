// Package schema compiles tenant-defined entity schemas into validators.
//
// Tenants submit JSON-Schema-like definitions at runtime. Besides standard
// keywords, property definitions may carry four custom flags:
//
//   - objectId: the property whose value becomes the document primary key.
//     At most one per schema, and it must be listed in required.
//   - filter: the property is eligible for equality-filter query params.
//     At most ten per schema.
//   - searchable: the property's text contributes to the vector embedding.
//     At most ten per schema.
//   - security: per-operation role lists ({create|read|update|delete|list}).
//
// The flags are extracted once at compile time into a Keywords side-table
// attached to the compiled validator; the cardinality rules above are
// enforced during compilation, never at runtime.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
)

// Custom keyword names recognized in property definitions.
const (
	KeywordObjectID   = "objectId"
	KeywordFilter     = "filter"
	KeywordSearchable = "searchable"
	KeywordSecurity   = "security"
)

// Compile-time violation messages.
const (
	msgTooManyUniqueParams     = "too many unique params"
	msgTooManyFilters          = "too many filters"
	msgTooManySearchableParams = "too many searchable params"
	msgObjectIDNotRequired     = "objectId param is not set as required"
	msgInvalidSecurityShape    = "invalid security shape"
)

const maxFlaggedFields = 10

// Operations allowed as keys of a security block.
var securityOperations = map[string]bool{
	"create": true,
	"read":   true,
	"update": true,
	"delete": true,
	"list":   true,
}

// Definition is a tenant-submitted entity schema. Properties stay as raw
// maps: tenants may use any standard JSON Schema keywords alongside the
// custom flags, and the raw form is what gets handed to the compiler.
type Definition struct {
	ID                   string                    `json:"$id,omitempty"`
	Type                 string                    `json:"type,omitempty"`
	Description          string                    `json:"description,omitempty"`
	Properties           map[string]map[string]any `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties *bool                     `json:"additionalProperties,omitempty"`
	Security             map[string][]string       `json:"security,omitempty"`
}

// ParseDefinition decodes a raw schema document.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, apperr.Validation("invalid schema", []string{err.Error()})
	}
	return &def, nil
}

// DefinitionFromMap decodes a schema document already unmarshaled as a map,
// the form in which schema documents come back from the document store.
func DefinitionFromMap(doc map[string]any) (*Definition, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Validation("invalid schema", []string{err.Error()})
	}
	return ParseDefinition(raw)
}

// Keywords is the side-table extracted from a definition at compile time.
type Keywords struct {
	// ObjectIDField is the property flagged objectId, "" when none.
	ObjectIDField string
	// FilterFields are the properties flagged filter, usable as equality
	// filters in list queries.
	FilterFields []string
	// SearchableFields are the properties flagged searchable, concatenated
	// into the embedding input on writes.
	SearchableFields []string
	// Security holds schema-level operation -> role lists.
	Security map[string][]string
	// FieldSecurity holds per-property operation -> role lists.
	FieldSecurity map[string]map[string][]string
}

// HasFilterField reports whether name is flagged filterable.
func (k *Keywords) HasFilterField(name string) bool {
	for _, f := range k.FilterFields {
		if f == name {
			return true
		}
	}
	return false
}

// extractKeywords walks the property definitions once, building the
// side-table and enforcing the cardinality invariants. A violation fails
// the whole compilation.
func extractKeywords(def *Definition) (*Keywords, error) {
	kw := &Keywords{
		Security:      def.Security,
		FieldSecurity: map[string]map[string][]string{},
	}

	var objectIDFields []string
	for name, prop := range def.Properties {
		if flag, _ := prop[KeywordObjectID].(bool); flag {
			objectIDFields = append(objectIDFields, name)
		}
		if flag, _ := prop[KeywordFilter].(bool); flag {
			kw.FilterFields = append(kw.FilterFields, name)
		}
		if flag, _ := prop[KeywordSearchable].(bool); flag {
			kw.SearchableFields = append(kw.SearchableFields, name)
		}
		if sec, ok := prop[KeywordSecurity]; ok {
			parsed, err := parseSecurity(sec)
			if err != nil {
				return nil, err
			}
			kw.FieldSecurity[name] = parsed
		}
	}

	if len(objectIDFields) > 1 {
		return nil, apperr.Validation(msgTooManyUniqueParams, objectIDFields)
	}
	if len(objectIDFields) == 1 {
		kw.ObjectIDField = objectIDFields[0]
		required := false
		for _, r := range def.Required {
			if r == kw.ObjectIDField {
				required = true
				break
			}
		}
		if !required {
			return nil, apperr.Validation(msgObjectIDNotRequired, []string{kw.ObjectIDField})
		}
	}
	if len(kw.FilterFields) > maxFlaggedFields {
		return nil, apperr.Validation(msgTooManyFilters, kw.FilterFields)
	}
	if len(kw.SearchableFields) > maxFlaggedFields {
		return nil, apperr.Validation(msgTooManySearchableParams, kw.SearchableFields)
	}

	for op := range def.Security {
		if !securityOperations[op] {
			return nil, apperr.Validation(msgInvalidSecurityShape, []string{fmt.Sprintf("unknown operation %q", op)})
		}
	}

	return kw, nil
}

// parseSecurity checks the shape of a per-property security block:
// known operations only, role lists of strings.
func parseSecurity(raw any) (map[string][]string, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.Validation(msgInvalidSecurityShape, []string{"security must be an object"})
	}
	out := make(map[string][]string, len(block))
	for op, v := range block {
		if !securityOperations[op] {
			return nil, apperr.Validation(msgInvalidSecurityShape, []string{fmt.Sprintf("unknown operation %q", op)})
		}
		roles, ok := v.([]any)
		if !ok {
			return nil, apperr.Validation(msgInvalidSecurityShape, []string{fmt.Sprintf("operation %q must list role names", op)})
		}
		for _, r := range roles {
			name, ok := r.(string)
			if !ok {
				return nil, apperr.Validation(msgInvalidSecurityShape, []string{fmt.Sprintf("operation %q must list role names", op)})
			}
			out[op] = append(out[op], name)
		}
	}
	return out, nil
}
