package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
)

// System-managed document fields owned by the gateway. Client-supplied
// values for these are stripped before every write.
var systemFields = []string{"objectId", "createdAt", "updatedAt", "createdBy", "updatedBy"}

// DefaultObjectTTL is the response-cache TTL for single objects.
const DefaultObjectTTL = 6 * time.Hour

// Gateway wraps a DocStore with response caching, timestamp normalization
// and write-path embedding. All object reads and mutations go through it.
type Gateway struct {
	store     DocStore
	cache     cache.Cache
	embedder  Embedder
	objectTTL time.Duration
}

// NewGateway creates a Gateway. embedder may be nil when no entity declares
// searchable fields.
func NewGateway(docs DocStore, c cache.Cache, embedder Embedder, objectTTL time.Duration) *Gateway {
	if objectTTL == 0 {
		objectTTL = DefaultObjectTTL
	}
	return &Gateway{store: docs, cache: c, embedder: embedder, objectTTL: objectTTL}
}

// Store exposes the underlying DocStore for collection queries.
func (g *Gateway) Store() DocStore { return g.store }

// Cache exposes the response cache for admin operations.
func (g *Gateway) Cache() cache.Cache { return g.cache }

// Get returns the object at ref, serving from the response cache when
// possible. cached reports whether the store round-trip was skipped.
func (g *Gateway) Get(ctx context.Context, ref Ref) (object map[string]any, cached bool, err error) {
	if raw, ok := g.cache.Get(ctx, ref.Path()); ok {
		var doc map[string]any
		if json.Unmarshal(raw, &doc) == nil {
			return doc, true, nil
		}
	}

	doc, err := g.store.GetByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotExists) {
			return nil, false, apperr.NotFound(apperr.MsgObjectNotFound)
		}
		return nil, false, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}

	doc = NormalizeObject(doc, ref.ID())
	if raw, err := json.Marshal(doc); err == nil {
		g.cache.Set(ctx, ref.Path(), raw, g.objectTTL)
	}
	return doc, false, nil
}

// Create writes a new object at ref, failing with AlreadyExists when a
// document already lives there. The returned object is re-read through Get
// so it carries the server-assigned timestamp.
func (g *Gateway) Create(ctx context.Context, data map[string]any, ref Ref, searchableFields []string, actor *identity.Actor) (map[string]any, error) {
	doc := stripSystemFields(data)

	if err := g.embedInto(ctx, doc, searchableFields); err != nil {
		return nil, err
	}

	if _, err := g.store.GetByRef(ctx, ref); err == nil {
		return nil, apperr.AlreadyExists(apperr.MsgObjectAlreadyExists)
	} else if !errors.Is(err, ErrNotExists) {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}

	doc["objectId"] = ref.ID()
	doc["createdAt"] = time.Now().UTC()
	doc["createdBy"] = actorValue(actor)

	if err := g.store.SetByRef(ctx, ref, doc); err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}

	object, _, err := g.Get(ctx, ref)
	return object, err
}

// Update shallow-merges data over the current object at ref, re-embeds the
// searchable text, invalidates the cached entry and returns the re-read
// result. Concurrent updates are last-write-wins.
func (g *Gateway) Update(ctx context.Context, data map[string]any, ref Ref, searchableFields []string, actor *identity.Actor) (map[string]any, error) {
	current, _, err := g.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	createdAt, createdBy := current["createdAt"], current["createdBy"]

	merged := stripSystemFields(current)
	for k, v := range stripSystemFields(data) {
		merged[k] = v
	}

	if err := g.embedInto(ctx, merged, searchableFields); err != nil {
		return nil, err
	}

	merged["objectId"] = ref.ID()
	merged["createdAt"] = createdAt
	merged["createdBy"] = createdBy
	merged["updatedAt"] = time.Now().UTC()
	merged["updatedBy"] = actorValue(actor)

	if err := g.store.SetByRef(ctx, ref, merged); err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}

	// Invalidation must follow the write: doing it first would let a
	// concurrent read repopulate the cache with the pre-update value.
	g.cache.Delete(ctx, ref.Path())

	object, _, err := g.Get(ctx, ref)
	return object, err
}

// Delete removes the object at ref, failing with NotFound when absent.
func (g *Gateway) Delete(ctx context.Context, ref Ref) error {
	if _, _, err := g.Get(ctx, ref); err != nil {
		return err
	}
	if err := g.store.DeleteByRef(ctx, ref); err != nil && !errors.Is(err, ErrNotExists) {
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	g.cache.Delete(ctx, ref.Path())
	return nil
}

// embedInto computes and attaches the embedding for doc's searchable text.
// No searchable fields, or no text, means no embedding.
func (g *Gateway) embedInto(ctx context.Context, doc map[string]any, searchableFields []string) error {
	text := EmbeddingText(doc, searchableFields)
	if text == "" {
		return nil
	}
	if g.embedder == nil {
		return apperr.Wrap(apperr.MsgSomethingWentWrong, errors.New("searchable fields declared but no embedder configured"))
	}
	vec, err := g.embedder.EmbedDocument(ctx, text)
	if err != nil {
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	doc["embedding"] = vec
	return nil
}

// EmbeddingText concatenates "{field} {value}" for each searchable field
// present in doc, in declaration order, joined by ", ".
func EmbeddingText(doc map[string]any, searchableFields []string) string {
	parts := make([]string, 0, len(searchableFields))
	for _, f := range searchableFields {
		if v, ok := doc[f]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%s %v", f, v))
		}
	}
	return strings.Join(parts, ", ")
}

// NormalizeObject prepares a stored document for callers: ensures objectId,
// renders timestamps as ISO-8601 strings and drops the internal embedding.
func NormalizeObject(doc map[string]any, objectID string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if _, ok := out["objectId"]; !ok && objectID != "" {
		out["objectId"] = objectID
	}
	for _, field := range []string{"createdAt", "updatedAt"} {
		if v, ok := out[field]; ok {
			if iso, ok := toISO8601(v); ok {
				out[field] = iso
			}
		}
	}
	delete(out, "embedding")
	return out
}

func toISO8601(v any) (string, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC().Format(time.RFC3339Nano), true
		}
		return t, true
	default:
		return "", false
	}
}

func stripSystemFields(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range systemFields {
		delete(out, f)
	}
	return out
}

func actorValue(actor *identity.Actor) any {
	if actor == nil {
		return nil
	}
	return map[string]any{"id": actor.ID, "email": actor.Email}
}
