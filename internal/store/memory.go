package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// MemoryStore is the embedded DocStore: documents in process memory, with a
// chromem-go collection per objects collection serving nearest-neighbor
// search over precomputed embeddings. It backs tests and single-node
// deployments without an external document database.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]any // document path -> document
	vdb  *chromem.DB
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: map[string]map[string]any{},
		vdb:  chromem.NewDB(),
	}
}

// noEmbeddingFunc guards the chromem collections: every document arrives
// with a precomputed embedding, so chromem must never embed on its own.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("store: embeddings must be precomputed")
}

func (s *MemoryStore) GetByRef(_ context.Context, ref Ref) (map[string]any, error) {
	if !ref.IsDoc() {
		return nil, ErrNotADoc
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref.Path()]
	if !ok {
		return nil, ErrNotExists
	}
	return deepCopyDoc(doc), nil
}

func (s *MemoryStore) SetByRef(ctx context.Context, ref Ref, doc map[string]any) error {
	if !ref.IsDoc() {
		return ErrNotADoc
	}
	s.mu.Lock()
	s.docs[ref.Path()] = deepCopyDoc(doc)
	s.mu.Unlock()

	if vec := toFloat32Slice(doc["embedding"]); vec != nil {
		col, err := s.vdb.GetOrCreateCollection(ref.Parent().Path(), nil, noEmbeddingFunc)
		if err != nil {
			return err
		}
		return col.AddDocument(ctx, chromem.Document{ID: ref.ID(), Embedding: vec, Content: ref.ID()})
	}
	return nil
}

func (s *MemoryStore) DeleteByRef(ctx context.Context, ref Ref) error {
	if !ref.IsDoc() {
		return ErrNotADoc
	}
	s.mu.Lock()
	_, ok := s.docs[ref.Path()]
	delete(s.docs, ref.Path())
	s.mu.Unlock()
	if !ok {
		return ErrNotExists
	}
	if col := s.vdb.GetCollection(ref.Parent().Path(), noEmbeddingFunc); col != nil {
		_ = col.Delete(ctx, nil, nil, ref.ID())
	}
	return nil
}

func (s *MemoryStore) QueryCollection(_ context.Context, ref Ref, q Query) ([]map[string]any, error) {
	if ref.IsDoc() {
		return nil, ErrNotADoc
	}

	docs := s.collectionDocs(ref)

	matched := docs[:0]
	for _, doc := range docs {
		if matchesFilters(doc, q.Filters) {
			matched = append(matched, doc)
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []map[string]any{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]map[string]any, 0, len(matched))
	for _, doc := range matched {
		out = append(out, projectFields(deepCopyDoc(doc), q.Fields))
	}
	return out, nil
}

func (s *MemoryStore) VectorSearch(ctx context.Context, ref Ref, vector []float32, limit int) ([]map[string]any, error) {
	if ref.IsDoc() {
		return nil, ErrNotADoc
	}
	col := s.vdb.GetCollection(ref.Path(), noEmbeddingFunc)
	if col == nil {
		return []map[string]any{}, nil
	}
	n := col.Count()
	if n == 0 {
		return []map[string]any{}, nil
	}
	if limit < n {
		n = limit
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		if doc, ok := s.docs[ref.Doc(res.ID).Path()]; ok {
			out = append(out, deepCopyDoc(doc))
		}
	}
	return out, nil
}

func (s *MemoryStore) CountCollection(_ context.Context, ref Ref) (int, error) {
	if ref.IsDoc() {
		return 0, ErrNotADoc
	}
	return len(s.collectionDocs(ref)), nil
}

// collectionDocs returns the direct child documents of a collection,
// ordered by path so offset pagination is deterministic.
func (s *MemoryStore) collectionDocs(ref Ref) []map[string]any {
	prefix := ref.Path() + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, 8)
	for path := range s.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if ok && !strings.Contains(rest, "/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	docs := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		docs = append(docs, s.docs[p])
	}
	return docs
}

func matchesFilters(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if doc[f.Key] != f.Value {
			return false
		}
	}
	return true
}

// projectFields reduces doc to the given fields. Empty fields means all.
func projectFields(doc map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return doc
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// deepCopyDoc guards callers against aliasing the stored maps. Embeddings
// and timestamps keep their native types.
func deepCopyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []float32:
		out := make([]float32, len(t))
		copy(out, t)
		return out
	case time.Time:
		return t
	default:
		return v
	}
}

// toFloat32Slice accepts the embedding field in any of the shapes it takes
// after JSON or in-process round-trips.
func toFloat32Slice(v any) []float32 {
	switch t := v.(type) {
	case []float32:
		return t
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(t))
		for _, e := range t {
			f, ok := e.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	default:
		return nil
	}
}
