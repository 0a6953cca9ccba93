package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSelectQuery(t *testing.T) {
	sql, vars, err := buildSelectQuery("acme_book_objects", Query{
		Filters: []Filter{{Key: "archived", Value: true}, {Key: "genre", Value: "scifi"}},
		Fields:  []string{"title", "archived"},
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT title, archived FROM type::table($tb) WHERE archived = $f0 AND genre = $f1 LIMIT 10 START 20",
		sql)
	assert.Equal(t, map[string]any{
		"tb": "acme_book_objects",
		"f0": true,
		"f1": "scifi",
	}, vars)
}

func TestBuildSelectQueryDefaults(t *testing.T) {
	sql, vars, err := buildSelectQuery("t", Query{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM type::table($tb)", sql)
	assert.Equal(t, map[string]any{"tb": "t"}, vars)
}

func TestBuildSelectQueryRejectsNonIdentifiers(t *testing.T) {
	// Field and filter names land in the statement text, so anything beyond
	// a plain identifier must be refused, never interpolated.
	cases := []struct {
		name string
		q    Query
	}{
		{"filter key with clause", Query{Filters: []Filter{{Key: "x = 1 OR 1=1 --", Value: "y"}}}},
		{"filter key with semicolon", Query{Filters: []Filter{{Key: "a; DELETE book", Value: "y"}}}},
		{"field with subquery", Query{Fields: []string{"(SELECT * FROM users)"}}},
		{"field with space", Query{Fields: []string{"title, password"}}},
		{"empty field", Query{Fields: []string{""}}},
		{"leading digit", Query{Fields: []string{"1title"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := buildSelectQuery("t", tc.q)
			assert.Error(t, err)
		})
	}
}
