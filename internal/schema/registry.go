package schema

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// System-managed fields added to every object schema before compilation.
const (
	FieldObjectID  = "objectId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldCreatedBy = "createdBy"
	FieldUpdatedBy = "updatedBy"
	FieldEmbedding = "embedding"
)

// ListSuffix distinguishes the list validator id from the object one.
const ListSuffix = "/list"

// Validator is a compiled schema plus its keyword side-table.
type Validator struct {
	ID       string
	Keywords *Keywords
	compiled *jsonschema.Schema
}

// Validate checks value against the compiled schema. On failure it returns
// a typed validation error carrying every violation, not just the first.
func (v *Validator) Validate(value any) error {
	err := v.compiled.Validate(value)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return apperr.Validation(apperr.MsgValidationFailed, []string{err.Error()})
	}
	var violations []string
	for _, be := range ve.BasicOutput().Errors {
		if be.Error == "" {
			continue
		}
		loc := be.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		violations = append(violations, loc+": "+be.Error)
	}
	return apperr.Validation(apperr.MsgValidationFailed, violations)
}

// Registry owns the lifetime of compiled validators. Entries live until
// explicitly removed; recompiling an id without removing it first is the
// caller's bug, not a supported path.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*Validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{compiled: map[string]*Validator{}}
}

// Compile runs the keyword checks and compiles def under id. The result is
// cached until Remove is called for id.
func (r *Registry) Compile(id string, def *Definition) (*Validator, error) {
	kw, err := extractKeywords(def)
	if err != nil {
		return nil, err
	}
	return r.compileDoc(id, docFromDefinition(def, nil), kw)
}

// GetCompiled returns the cached validator for id, if any.
func (r *Registry) GetCompiled(id string) (*Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.compiled[id]
	return v, ok
}

// Remove drops the cached validator for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compiled, id)
}

// RemovePair drops both validators derived from one definition. Write paths
// call this before recompiling so no stale keyword state survives.
func (r *Registry) RemovePair(objectID string) {
	r.Remove(objectID)
	r.Remove(objectID + ListSuffix)
}

// ResolvePair returns the object and list validators for def, compiling and
// caching them under objectID and objectID+ListSuffix when absent. Both are
// augmented with the system-managed fields before compilation.
func (r *Registry) ResolvePair(objectID string, def *Definition) (*Validator, *Validator, error) {
	listID := objectID + ListSuffix

	objV, objOK := r.GetCompiled(objectID)
	listV, listOK := r.GetCompiled(listID)
	if objOK && listOK {
		return objV, listV, nil
	}

	kw, err := extractKeywords(def)
	if err != nil {
		return nil, nil, err
	}

	objDoc := docFromDefinition(def, systemFieldProps())
	objV, err = r.compileDoc(objectID, objDoc, kw)
	if err != nil {
		return nil, nil, err
	}
	listV, err = r.compileDoc(listID, map[string]any{
		"type":  "array",
		"items": objDoc,
	}, kw)
	if err != nil {
		r.Remove(objectID)
		return nil, nil, err
	}
	return objV, listV, nil
}

// compileDoc compiles a raw schema document and caches the validator.
func (r *Registry) compileDoc(id string, doc map[string]any, kw *Keywords) (*Validator, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Validation("invalid schema", []string{err.Error()})
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	url := "entityd:///" + id
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, apperr.Validation("invalid schema", []string{err.Error()})
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, apperr.Validation("invalid schema", []string{err.Error()})
	}

	v := &Validator{ID: id, Keywords: kw, compiled: compiled}
	r.mu.Lock()
	r.compiled[id] = v
	r.mu.Unlock()
	return v, nil
}

// docFromDefinition builds the raw document handed to the compiler. The
// custom keywords stay in place: JSON Schema ignores unknown keywords, and
// keeping them makes the stored and compiled forms identical. extraProps,
// when present, is merged over the tenant properties (system fields win).
func docFromDefinition(def *Definition, extraProps map[string]map[string]any) map[string]any {
	props := make(map[string]any, len(def.Properties)+len(extraProps))
	for name, p := range def.Properties {
		props[name] = p
	}
	for name, p := range extraProps {
		props[name] = p
	}

	doc := map[string]any{"properties": props}
	if def.Type != "" {
		doc["type"] = def.Type
	} else {
		doc["type"] = "object"
	}
	if def.Description != "" {
		doc["description"] = def.Description
	}
	if len(def.Required) > 0 {
		doc["required"] = def.Required
	}
	if def.AdditionalProperties != nil {
		doc["additionalProperties"] = *def.AdditionalProperties
	}
	return doc
}

// systemFieldProps returns the schema fragments for the server-managed
// fields merged into every object schema.
func systemFieldProps() map[string]map[string]any {
	actor := map[string]any{
		"type":    []any{"object", "null"},
		"default": nil,
		"properties": map[string]any{
			"id":    map[string]any{"type": "string"},
			"email": map[string]any{"type": "string", "format": "email"},
		},
	}
	return map[string]map[string]any{
		FieldObjectID:  {"type": "string"},
		FieldCreatedAt: {"type": "string", "format": "date-time"},
		FieldUpdatedAt: {"type": "string", "format": "date-time"},
		FieldCreatedBy: actor,
		FieldUpdatedBy: actor,
	}
}
