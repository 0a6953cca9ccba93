package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/dispatch"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/fyrsmithlabs/entityd/internal/query"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/fyrsmithlabs/entityd/internal/transform"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedDocument(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	docs := store.NewMemoryStore()
	responses := cache.NewMemory(0)

	deps := Deps{
		Registry:  schema.NewRegistry(),
		Entities:  entitycache.NewService(docs, time.Hour, nil),
		Gateway:   store.NewGateway(docs, responses, stubEmbedder{}, 0),
		Query:     query.NewService(docs, responses, nil, 0, nil),
		Transform: transform.NewService(),
		Dispatch:  dispatch.NewDispatcher(nil, nil),
		Identity:  identity.NewMemoryProvider(),
	}
	srv, err := NewServer(deps, zap.NewNop(), &Config{})
	require.NoError(t, err)
	return srv, docs
}

// doJSON issues a request against the server with the workspace riding on
// the Host header.
func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, "http://acme.example.test"+path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func seedBookSchema(t *testing.T, docs *store.MemoryStore, extra map[string]any) {
	t.Helper()
	doc := map[string]any{
		"objectId": "book",
		"$id":      "book",
		"type":     "object",
		"properties": map[string]any{
			"isbn":     map[string]any{"type": "string", "objectId": true},
			"title":    map[string]any{"type": "string", "searchable": true},
			"archived": map[string]any{"type": "boolean", "filter": true},
		},
		"required": []any{"isbn", "title"},
	}
	for k, v := range extra {
		doc[k] = v
	}
	ref := store.Workspace("acme").Doc("book").Collection(store.CollectionObjectSchemas).Doc("book")
	require.NoError(t, docs.SetByRef(context.Background(), ref, doc))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkspaceFromHost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/users", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Header().Get(HeaderWorkspace))
}

func TestEntityNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgEntityNotFound, resp.Error)
}

func TestObjectLifecycle(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go in Practice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "book", rec.Header().Get(HeaderSchema))

	created := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "978-1", created["objectId"])
	assert.NotEmpty(t, created["createdAt"])

	// The create re-read primed the response cache.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderCached))

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/book/978-1",
		map[string]any{"isbn": "978-1", "title": "Go in Practice, 2nd"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "Go in Practice, 2nd", updated["title"])
	assert.NotEmpty(t, updated["updatedAt"])

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/book/978-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateValidationFailure(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.NotEmpty(t, resp.Violations)
}

func TestCreateConflict(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	body := map[string]any{"isbn": "978-1", "title": "Go"}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateMissingBody(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book", "not json", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgMissingBody, resp.Error)
}

func TestBatchCreate(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book", []map[string]any{
		{"isbn": "978-1", "title": "One"},
		{"isbn": "978-2", "title": "Two"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeJSON[[]map[string]any](t, rec)
	require.Len(t, created, 2)
	assert.Equal(t, "978-1", created[0]["objectId"])
	assert.Equal(t, "978-2", created[1]["objectId"])
}

func TestUpdateObjectIDMismatch(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPut, "/api/v1/book/978-1",
		map[string]any{"isbn": "978-9", "title": "Go"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgObjectIDMismatch, resp.Error)
}

func TestListWithFilters(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	for _, b := range []map[string]any{
		{"isbn": "978-1", "title": "One", "archived": true},
		{"isbn": "978-2", "title": "Two", "archived": false},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/book", b, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/book?archived=true&countTotal=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "false", rec.Header().Get(HeaderCached))
	// The count covers the collection, not the filtered page.
	assert.Equal(t, "2", rec.Header().Get(HeaderTotalCount))
	objects := decodeJSON[[]map[string]any](t, rec)
	require.Len(t, objects, 1)
	assert.Equal(t, "978-1", objects[0]["objectId"])

	// Same query again comes out of the response cache.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book?archived=true&countTotal=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderCached))

	// title is not flagged filterable: the key is dropped, not an error.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book?title=One", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeJSON[[]map[string]any](t, rec), 2)
}

func TestActionsShapeResponseOnly(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	var received map[string]any
	action := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"title": "Enriched"})
	}))
	defer action.Close()

	ref := store.Workspace("acme").Doc("book").Collection(store.CollectionActions).Doc("a1")
	require.NoError(t, docs.SetByRef(context.Background(), ref, map[string]any{
		"objectId": "a1", "url": action.URL, "order": float64(1),
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Original"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The action sees the stored object, system fields included.
	assert.Equal(t, "978-1", received["objectId"])
	assert.NotEmpty(t, received["createdAt"])
	assert.Equal(t, "Original", received["title"])

	// Its output becomes the response body.
	assert.Equal(t, "Enriched", decodeJSON[map[string]any](t, rec)["title"])

	// The stored object keeps the client's payload.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Original", decodeJSON[map[string]any](t, rec)["title"])
}

func TestSubEntityRoutes(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)
	ref := store.Workspace("acme").Doc("book").Collection(store.CollectionObjectSchemas).Doc("chapters")
	require.NoError(t, docs.SetByRef(context.Background(), ref, map[string]any{
		"objectId": "chapters",
		"$id":      "chapters",
		"type":     "object",
		"properties": map[string]any{
			"num":     map[string]any{"type": "string", "objectId": true},
			"heading": map[string]any{"type": "string"},
		},
		"required": []any{"num"},
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book/978-1/chapters",
		map[string]any{"num": "1", "heading": "Intro"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1/chapters/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chapter := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "Intro", chapter["heading"])

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1/chapters", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]map[string]any](t, rec), 1)
}

func TestExpressionOnRead(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book/expressions",
		map[string]any{"objectId": "short", "value": "title"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1?expression=short", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "short", rec.Header().Get(HeaderExpression))
	assert.Equal(t, "Go", decodeJSON[string](t, rec))

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1?expression=ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpressionManagementRejectsInvalid(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book/expressions",
		map[string]any{"objectId": "bad", "value": "$$("}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgExpressionInvalid, resp.Error)
}

func TestSchemaBootstrap(t *testing.T) {
	srv, _ := newTestServer(t)

	// Creating the first schema brings the entity into existence.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/novel/schemas", map[string]any{
		"$id":  "novel",
		"type": "object",
		"properties": map[string]any{
			"slug": map[string]any{"type": "string", "objectId": true},
		},
		"required": []any{"slug"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/novel",
		map[string]any{"slug": "neuromancer"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSchemaIDMismatch(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPut, "/api/v1/book/schemas/other", map[string]any{
		"$id":  "book",
		"type": "object",
	}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgSchemaIDMismatch, resp.Error)
}

func TestSchemaRejectsUnknownRoles(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/novel/schemas", map[string]any{
		"$id":  "novel",
		"type": "object",
		"security": map[string]any{
			"create": []any{"admin"},
		},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.MsgRolesNotAllowed, resp.Error)
}

func TestOperationRoles(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, map[string]any{
		"security": map[string]any{"create": []any{"admin"}},
	})
	roles := store.Workspace("acme").Doc("book").Collection(store.CollectionRoles).Doc("admin")
	require.NoError(t, docs.SetByRef(context.Background(), roles, map[string]any{
		"objectId": "admin", "users": []any{"root@acme.test"},
	}))

	body := map[string]any{"isbn": "978-1", "title": "Go"}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book", body,
		map[string]string{HeaderUserEmail: "other@acme.test"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book", body,
		map[string]string{HeaderUserEmail: "root@acme.test", HeaderUserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestFieldSecurityStripsOnRead(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, map[string]any{
		"properties": map[string]any{
			"isbn":  map[string]any{"type": "string", "objectId": true},
			"title": map[string]any{"type": "string"},
			"cost": map[string]any{
				"type":     "number",
				"security": map[string]any{"read": []any{"admin"}},
			},
		},
	})
	roles := store.Workspace("acme").Doc("book").Collection(store.CollectionRoles).Doc("admin")
	require.NoError(t, docs.SetByRef(context.Background(), roles, map[string]any{
		"objectId": "admin", "users": []any{"root@acme.test"},
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go", "cost": 12.5}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeJSON[map[string]any](t, rec), "cost")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil,
		map[string]string{HeaderUserEmail: "root@acme.test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeJSON[map[string]any](t, rec), "cost")
}

func TestUsersEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/users",
		map[string]any{"email": "anna@acme.test", "displayName": "Anna"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/users",
		map[string]any{"email": "anna@acme.test"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/users/anna@acme.test", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decodeJSON[identity.User](t, rec)
	assert.Equal(t, "Anna", user.DisplayName)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/users/anna@acme.test",
		map[string]any{"displayName": "Anna B"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/users/ghost@acme.test", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheFlush(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderCached))

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/cache/flush", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(HeaderCached))
}

func TestEntityRefresh(t *testing.T) {
	srv, docs := newTestServer(t)
	seedBookSchema(t, docs, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/book",
		map[string]any{"isbn": "978-1", "title": "Go"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// An expression written behind the cache's back is invisible until a
	// refresh forces re-resolution.
	ref := store.Workspace("acme").Doc("book").Collection(store.CollectionExpressions).Doc("late")
	require.NoError(t, docs.SetByRef(context.Background(), ref, map[string]any{
		"objectId": "late", "value": "title",
	}))

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1?expression=late", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/book/refresh", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/book/978-1?expression=late", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
