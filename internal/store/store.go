package store

import (
	"context"
	"errors"
)

// Sentinel errors for raw store operations.
var (
	// ErrNotExists is returned by GetByRef and DeleteByRef when no document
	// lives at the ref.
	ErrNotExists = errors.New("document does not exist")

	// ErrNotADoc is returned when a document operation receives a
	// collection ref, or vice versa.
	ErrNotADoc = errors.New("ref does not address a document")
)

// Filter is one equality predicate applied to a collection query.
type Filter struct {
	Key   string
	Value any
}

// Query carries the parameters of a collection query.
type Query struct {
	// Filters are equality predicates, all of which must match.
	Filters []Filter
	// Limit caps the number of returned documents. Zero means no limit.
	Limit int
	// Offset skips that many documents. Store-level offset: O(n) skip.
	Offset int
	// Fields projects returned documents to these fields when non-empty.
	Fields []string
}

// DocStore is the document database contract the core consumes. Documents
// are open JSON objects; timestamp fields may come back as the store's
// native time type and are normalized to ISO-8601 by the gateway.
//
// Per-document writes are atomic; there is no multi-document transaction
// and no conditional write, so create-if-absent is check-then-set at the
// gateway layer (documented TOCTOU under concurrent creates of one id).
type DocStore interface {
	// GetByRef returns the document at ref, or ErrNotExists.
	GetByRef(ctx context.Context, ref Ref) (map[string]any, error)

	// SetByRef writes the document at ref, replacing any existing one.
	SetByRef(ctx context.Context, ref Ref, doc map[string]any) error

	// DeleteByRef removes the document at ref, or returns ErrNotExists.
	DeleteByRef(ctx context.Context, ref Ref) error

	// QueryCollection returns documents of the collection at ref matching q.
	QueryCollection(ctx context.Context, ref Ref, q Query) ([]map[string]any, error)

	// VectorSearch returns the limit nearest documents of the collection at
	// ref, ranked by similarity of their embedding field to vector.
	VectorSearch(ctx context.Context, ref Ref, vector []float32, limit int) ([]map[string]any, error)

	// CountCollection returns the total document count of the collection.
	CountCollection(ctx context.Context, ref Ref) (int, error)
}

// Embedder computes a document embedding for the write path. The full
// embedding subsystem lives elsewhere; the gateway only needs this slice.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}
