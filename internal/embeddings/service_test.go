package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTEIServer fakes the embed endpoint, recording each input it sees.
func newTEIServer(t *testing.T, vec []float32, inputs *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if s, ok := req.Inputs.(string); ok {
			*inputs = append(*inputs, s)
		}
		json.NewEncoder(w).Encode([][]float32{vec})
	}))
}

func objectsCol() store.Ref {
	return store.Workspace("acme").Doc("book").Collection(store.CollectionObjects)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrInvalidConfig)
	assert.NoError(t, Config{BaseURL: "http://localhost:8080"}.Validate())
}

func TestEmbedDocument(t *testing.T) {
	var inputs []string
	srv := newTEIServer(t, []float32{0.1, 0.2}, &inputs)
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil, nil, nil)
	require.NoError(t, err)

	vec, err := s.EmbedDocument(context.Background(), "<b>Go</b> in practice")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	// HTML stripped, passage mode prefix applied.
	require.Len(t, inputs, 1)
	assert.Equal(t, "passage: Go in practice", inputs[0])
}

func TestEmbedDocumentEmpty(t *testing.T) {
	s, err := NewService(Config{BaseURL: "http://unused"}, nil, nil, nil)
	require.NoError(t, err)

	_, err = s.EmbedDocument(context.Background(), "  <p></p>  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedDocumentUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil, nil, nil)
	require.NoError(t, err)

	_, err = s.EmbedDocument(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestEmbedQueryTiers(t *testing.T) {
	ctx := context.Background()
	var inputs []string
	srv := newTEIServer(t, []float32{1, 0}, &inputs)
	defer srv.Close()

	docs := store.NewMemoryStore()
	fast := cache.NewMemory(0)
	s, err := NewService(Config{BaseURL: srv.URL}, fast, docs, nil)
	require.NoError(t, err)

	// First call hits the provider, in query mode, lowercased.
	vec, err := s.EmbedQuery(ctx, "Distributed Systems", objectsCol())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	require.Len(t, inputs, 1)
	assert.Equal(t, "query: distributed systems", inputs[0])

	// Second call is served from the fast tier.
	_, err = s.EmbedQuery(ctx, "distributed systems", objectsCol())
	require.NoError(t, err)
	assert.Len(t, inputs, 1)

	// With the fast tier gone, the persistent tier still answers.
	fast.FlushAll(ctx)
	_, err = s.EmbedQuery(ctx, "distributed systems", objectsCol())
	require.NoError(t, err)
	assert.Len(t, inputs, 1)

	// And repopulates the fast tier.
	assert.Equal(t, 1, fast.Len())
}

func TestEmbedQueryPersists(t *testing.T) {
	ctx := context.Background()
	var inputs []string
	srv := newTEIServer(t, []float32{1, 0}, &inputs)
	defer srv.Close()

	docs := store.NewMemoryStore()
	s, err := NewService(Config{BaseURL: srv.URL}, nil, docs, nil)
	require.NoError(t, err)

	_, err = s.EmbedQuery(ctx, "golang", objectsCol())
	require.NoError(t, err)

	// The term lands in the entity's searchEmbeddings collection.
	terms := store.Workspace("acme").Doc("book").Collection(store.CollectionSearchEmbeddings)
	n, err := docs.CountCollection(ctx, terms)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "plain", sanitize("plain"))
	assert.Equal(t, "ab", sanitize("<p>a</p><br/>b"))
	// Tags are stripped, their text content is kept.
	assert.Equal(t, "x=1", sanitize("<script>x=1</script>"))
}
