package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"
)

// SurrealStore is a DocStore backed by SurrealDB. Each collection path maps
// to one table; document ids become record ids within it. Vector search
// ranks by dot product over the embedding field via SurrealQL.
type SurrealStore struct {
	db *surrealdb.DB
}

// NewSurrealStore connects to a SurrealDB endpoint and selects the given
// namespace and database.
func NewSurrealStore(url, user, pass, namespace, database string) (*SurrealStore, error) {
	db, err := surrealdb.New(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to surrealdb: %w", err)
	}
	if _, err := db.Signin(map[string]any{"user": user, "pass": pass}); err != nil {
		db.Close()
		return nil, fmt.Errorf("surrealdb signin: %w", err)
	}
	if _, err := db.Use(namespace, database); err != nil {
		db.Close()
		return nil, fmt.Errorf("surrealdb use: %w", err)
	}
	return &SurrealStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SurrealStore) Close() { s.db.Close() }

var tableNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// tableFor maps a collection path onto a SurrealDB table name.
func tableFor(ref Ref) string {
	return tableNameSanitizer.ReplaceAllString(ref.Path(), "_")
}

// identPattern matches the field names allowed into SurrealQL text. Values
// always travel as bound variables; only identifiers are interpolated, and
// only after passing this check.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// buildSelectQuery assembles the SELECT statement for a collection query.
// Projection fields and filter keys become part of the statement text, so
// anything that is not a plain identifier is rejected.
func buildSelectQuery(table string, q Query) (string, map[string]any, error) {
	vars := map[string]any{"tb": table}

	projection := "*"
	if len(q.Fields) > 0 {
		for _, f := range q.Fields {
			if !identPattern.MatchString(f) {
				return "", nil, fmt.Errorf("invalid field name %q", f)
			}
		}
		projection = strings.Join(q.Fields, ", ")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM type::table($tb)", projection)

	for i, f := range q.Filters {
		if !identPattern.MatchString(f.Key) {
			return "", nil, fmt.Errorf("invalid filter name %q", f.Key)
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		name := fmt.Sprintf("f%d", i)
		fmt.Fprintf(&sb, "%s = $%s", f.Key, name)
		vars[name] = f.Value
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " START %d", q.Offset)
	}
	return sb.String(), vars, nil
}

func (s *SurrealStore) GetByRef(_ context.Context, ref Ref) (map[string]any, error) {
	if !ref.IsDoc() {
		return nil, ErrNotADoc
	}
	rows, err := s.query("SELECT * FROM type::thing($tb, $id)", map[string]any{
		"tb": tableFor(ref.Parent()),
		"id": ref.ID(),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotExists
	}
	doc := rows[0]
	delete(doc, "id")
	return doc, nil
}

func (s *SurrealStore) SetByRef(_ context.Context, ref Ref, doc map[string]any) error {
	if !ref.IsDoc() {
		return ErrNotADoc
	}
	_, err := s.query("UPDATE type::thing($tb, $id) CONTENT $data", map[string]any{
		"tb":   tableFor(ref.Parent()),
		"id":   ref.ID(),
		"data": doc,
	})
	return err
}

func (s *SurrealStore) DeleteByRef(ctx context.Context, ref Ref) error {
	if !ref.IsDoc() {
		return ErrNotADoc
	}
	if _, err := s.GetByRef(ctx, ref); err != nil {
		return err
	}
	_, err := s.query("DELETE type::thing($tb, $id)", map[string]any{
		"tb": tableFor(ref.Parent()),
		"id": ref.ID(),
	})
	return err
}

func (s *SurrealStore) QueryCollection(_ context.Context, ref Ref, q Query) ([]map[string]any, error) {
	if ref.IsDoc() {
		return nil, ErrNotADoc
	}

	sql, vars, err := buildSelectQuery(tableFor(ref), q)
	if err != nil {
		return nil, err
	}

	rows, err := s.query(sql, vars)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		delete(row, "id")
	}
	return rows, nil
}

func (s *SurrealStore) VectorSearch(_ context.Context, ref Ref, vector []float32, limit int) ([]map[string]any, error) {
	if ref.IsDoc() {
		return nil, ErrNotADoc
	}
	rows, err := s.query(
		"SELECT *, vector::similarity::dot(embedding, $vec) AS _score FROM type::table($tb) WHERE embedding != NONE ORDER BY _score DESC LIMIT $limit",
		map[string]any{
			"tb":    tableFor(ref),
			"vec":   vector,
			"limit": limit,
		},
	)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		delete(row, "id")
		delete(row, "_score")
	}
	return rows, nil
}

func (s *SurrealStore) CountCollection(_ context.Context, ref Ref) (int, error) {
	if ref.IsDoc() {
		return 0, ErrNotADoc
	}
	rows, err := s.query("SELECT count() AS total FROM type::table($tb) GROUP ALL", map[string]any{
		"tb": tableFor(ref),
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	total, _ := rows[0]["total"].(float64)
	return int(total), nil
}

// query runs one SurrealQL statement and returns its rows.
func (s *SurrealStore) query(sql string, vars map[string]any) ([]map[string]any, error) {
	raw, err := s.db.Query(sql, vars)
	if err != nil {
		return nil, err
	}
	results, ok := raw.([]any)
	if !ok || len(results) == 0 {
		return nil, fmt.Errorf("surrealdb: unexpected response shape %T", raw)
	}
	first, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("surrealdb: unexpected result shape %T", results[0])
	}
	if status, _ := first["status"].(string); status != "OK" {
		return nil, fmt.Errorf("surrealdb: query failed: %v", first["detail"])
	}

	var rows []map[string]any
	switch res := first["result"].(type) {
	case nil:
	case []any:
		for _, r := range res {
			if m, ok := r.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	case map[string]any:
		rows = append(rows, res)
	}
	return rows, nil
}
