// Package query runs the list pipeline over an objects collection: cached
// reads, schema-flagged equality filters, field projection, offset
// pagination and similarity search.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pagination bounds. Requests outside the range are clamped, not rejected.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// DefaultListTTL is the response-cache TTL for list results.
const DefaultListTTL = 5 * time.Minute

// QueryEmbedder turns a search term into a vector, scoped to the collection
// being searched so cached terms land under the right entity.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string, scope store.Ref) ([]float32, error)
}

// Params are the caller-supplied list options, already parsed from the
// request surface.
type Params struct {
	Limit  int
	Offset int

	// Filters holds raw equality filter values keyed by field name. Only
	// fields the schema flags as filterable are accepted.
	Filters map[string]string

	// Fields is the projection. The system timestamps ride along whenever a
	// projection is set.
	Fields []string

	// SearchTerm switches the pipeline to similarity search. Filters and
	// offset do not apply in that mode.
	SearchTerm string

	// ConsistentRead bypasses the response cache.
	ConsistentRead bool

	// CountTotal requests the collection's total document count alongside
	// the page.
	CountTotal bool
}

// Result is one list response. Total is -1 when not counted.
type Result struct {
	Objects []map[string]any `json:"objects"`
	Total   int              `json:"total"`
	Cached  bool             `json:"-"`
}

// Service executes list requests.
type Service struct {
	store    store.DocStore
	cache    cache.Cache
	embedder QueryEmbedder
	listTTL  time.Duration
	logger   *zap.Logger
}

// NewService creates the list pipeline. embedder may be nil when similarity
// search is not configured.
func NewService(docs store.DocStore, c cache.Cache, embedder QueryEmbedder, listTTL time.Duration, logger *zap.Logger) *Service {
	if listTTL == 0 {
		listTTL = DefaultListTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: docs, cache: c, embedder: embedder, listTTL: listTTL, logger: logger}
}

// Run lists the collection at ref according to p. keywords supplies the
// schema's filterable field set.
func (s *Service) Run(ctx context.Context, ref store.Ref, p Params, keywords schema.Keywords) (*Result, error) {
	p.Limit = clampLimit(p.Limit)
	if p.Offset < 0 {
		p.Offset = 0
	}

	// Filter keys the schema does not flag filterable are dropped, never
	// applied and never an error.
	for field := range p.Filters {
		if !keywords.HasFilterField(field) {
			delete(p.Filters, field)
		}
	}

	key := cacheKey(ref, p)

	// A cache hit skips the store read and the count both; the cached total
	// is whatever was counted when the entry was written.
	if !p.ConsistentRead {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var res Result
			if json.Unmarshal(raw, &res) == nil {
				res.Cached = true
				return &res, nil
			}
		}
	}

	res := &Result{Total: -1}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		objects, err := s.page(gctx, ref, p)
		if err != nil {
			return err
		}
		res.Objects = objects
		return nil
	})

	if p.CountTotal {
		g.Go(func() error {
			total, err := s.store.CountCollection(gctx, ref)
			if err != nil {
				return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
			}
			res.Total = total
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(res.Objects) > 0 {
		if raw, err := json.Marshal(res); err == nil {
			s.cache.Set(ctx, key, raw, s.listTTL)
		}
	}
	return res, nil
}

func (s *Service) page(ctx context.Context, ref store.Ref, p Params) ([]map[string]any, error) {
	if p.SearchTerm != "" {
		return s.search(ctx, ref, p)
	}

	q := store.Query{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Filters: buildFilters(p.Filters),
		Fields:  projection(p.Fields),
	}
	rows, err := s.store.QueryCollection(ctx, ref, q)
	if err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return normalize(rows, p.Fields), nil
}

func (s *Service) search(ctx context.Context, ref store.Ref, p Params) ([]map[string]any, error) {
	if s.embedder == nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong,
			fmt.Errorf("similarity search requested but no embedder configured"))
	}
	vec, err := s.embedder.EmbedQuery(ctx, p.SearchTerm, ref)
	if err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	rows, err := s.store.VectorSearch(ctx, ref, vec, p.Limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	// The store returns whole documents in similarity order; projection
	// happens here instead.
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, project(row, projection(p.Fields)))
	}
	return normalize(out, p.Fields), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// buildFilters coerces raw values: exactly "true" and "false" become
// booleans, everything else stays a string.
func buildFilters(raw map[string]string) []store.Filter {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]store.Filter, 0, len(keys))
	for _, k := range keys {
		var value any = raw[k]
		switch raw[k] {
		case "true":
			value = true
		case "false":
			value = false
		}
		out = append(out, store.Filter{Key: k, Value: value})
	}
	return out
}

// projection widens a non-empty field list with the system timestamps.
func projection(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields)+2)
	seen := map[string]bool{}
	for _, f := range append(append([]string{}, fields...), schema.FieldCreatedAt, schema.FieldUpdatedAt) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func project(doc map[string]any, fields []string) map[string]any {
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

func normalize(rows []map[string]any, fields []string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		doc := store.NormalizeObject(row, "")
		// A projection that never asked for objectId should not grow one.
		if len(fields) > 0 && !contains(fields, schema.FieldObjectID) {
			delete(doc, schema.FieldObjectID)
		}
		out = append(out, doc)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// cacheKey fixes the composite list key: every parameter that changes the
// result participates, filters and fields in sorted order.
func cacheKey(ref store.Ref, p Params) string {
	filterKeys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)

	filters := make([]string, 0, len(filterKeys))
	for _, k := range filterKeys {
		filters = append(filters, k+"="+p.Filters[k])
	}

	fields := append([]string{}, p.Fields...)
	sort.Strings(fields)

	return strings.Join([]string{
		ref.Path(),
		fmt.Sprintf("limit=%d", p.Limit),
		fmt.Sprintf("offset=%d", p.Offset),
		strings.Join(filters, ","),
		strings.Join(fields, ","),
		p.SearchTerm,
	}, "|")
}
