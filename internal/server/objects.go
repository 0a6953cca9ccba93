package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/dispatch"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/fyrsmithlabs/entityd/internal/query"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// target is the object collection or document a route addresses, together
// with the schema governing it. Sub-entity routes nest one level: the sub
// collection hangs off the parent object document and is governed by the
// sub-entity's schema.
type target struct {
	col      store.Ref
	doc      store.Ref
	schemaID string
	pairID   string
}

func resolveTarget(c echo.Context) target {
	ws := workspace(c)
	entity := c.Param("entity")

	t := target{
		col:      store.Workspace(ws).Doc(entity).Collection(store.CollectionObjects),
		schemaID: entity,
		pairID:   ws + "/schemas/" + entity,
	}

	id := c.Param("id")
	if sub := c.Param("sub"); sub != "" {
		t.col = t.col.Doc(id).Collection(sub)
		t.schemaID = sub
		t.pairID += "/" + sub
		id = c.Param("subId")
	}
	if id != "" {
		t.doc = t.col.Doc(id)
	}
	return t
}

// validators resolves the compiled pair for the target's schema.
func (s *Server) validators(cfg *entitycache.Config, t target) (*schema.Validator, *schema.Validator, error) {
	def := cfg.Definition(t.schemaID)
	if def == nil {
		return nil, nil, apperr.NotFound(apperr.MsgSchemaNotFound)
	}
	return s.deps.Registry.ResolvePair(t.pairID, def)
}

func decodeBody(c echo.Context) (any, error) {
	var v any
	if err := json.NewDecoder(c.Request().Body).Decode(&v); err != nil {
		return nil, apperr.MissingPrecondition(apperr.MsgMissingBody)
	}
	return v, nil
}

func decodeObjectBody(c echo.Context) (map[string]any, error) {
	v, err := decodeBody(c)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, apperr.MissingPrecondition(apperr.MsgMissingBody)
	}
	return obj, nil
}

// applyFieldSecurity strips fields the actor's roles cannot see or write.
func applyFieldSecurity(obj map[string]any, kw *schema.Keywords, cfg *entitycache.Config, a *identity.Actor, op string) {
	for field, ops := range kw.FieldSecurity {
		roles := ops[op]
		if len(roles) == 0 {
			continue
		}
		if a == nil || a.Email == "" || !cfg.HasRole(a.Email, roles) {
			delete(obj, field)
		}
	}
}

// applyExpression transforms payload through the expression named by the
// request, advertising it in the response headers.
func (s *Server) applyExpression(c echo.Context, cfg *entitycache.Config, payload any) (any, error) {
	exprID := c.QueryParam("expression")
	if exprID == "" {
		return payload, nil
	}
	out, err := s.deps.Transform.Evaluate(exprID, payload, cfg)
	if err != nil {
		return nil, err
	}
	c.Response().Header().Set(HeaderExpression, exprID)
	return out, nil
}

func setWebhookHeader(c echo.Context, ids []string) {
	if len(ids) > 0 {
		c.Response().Header().Set(HeaderWebhook, strings.Join(ids, ","))
	}
}

// Query params with fixed meaning on list routes; everything else is an
// equality filter candidate.
var reservedListParams = map[string]bool{
	"limit":          true,
	"offset":         true,
	"fields":         true,
	"searchTerm":     true,
	"consistentRead": true,
	"countTotal":     true,
	"expression":     true,
}

func listParams(c echo.Context) query.Params {
	p := query.Params{
		SearchTerm:     c.QueryParam("searchTerm"),
		ConsistentRead: c.QueryParam("consistentRead") == "true",
		CountTotal:     c.QueryParam("countTotal") == "true",
	}
	p.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	p.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if fields := c.QueryParam("fields"); fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				p.Fields = append(p.Fields, f)
			}
		}
	}
	for k, vs := range c.QueryParams() {
		if !reservedListParams[k] && len(vs) > 0 {
			if p.Filters == nil {
				p.Filters = map[string]string{}
			}
			p.Filters[k] = vs[0]
		}
	}
	return p
}

func (s *Server) handleList(c echo.Context) error {
	cfg := entityConfig(c)
	t := resolveTarget(c)

	objV, _, err := s.validators(cfg, t)
	if err != nil {
		return err
	}
	kw := objV.Keywords

	if err := requireRoles(c, cfg, kw.Security["list"]); err != nil {
		return err
	}

	res, err := s.deps.Query.Run(c.Request().Context(), t.col, listParams(c), *kw)
	if err != nil {
		return err
	}

	c.Response().Header().Set(HeaderCached, strconv.FormatBool(res.Cached))
	if res.Total >= 0 {
		c.Response().Header().Set(HeaderTotalCount, strconv.Itoa(res.Total))
	}

	a := actor(c)
	for _, obj := range res.Objects {
		applyFieldSecurity(obj, kw, cfg, a, "read")
	}

	payload, err := s.applyExpression(c, cfg, res.Objects)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleGet(c echo.Context) error {
	cfg := entityConfig(c)
	t := resolveTarget(c)

	objV, _, err := s.validators(cfg, t)
	if err != nil {
		return err
	}
	kw := objV.Keywords

	if err := requireRoles(c, cfg, kw.Security["read"]); err != nil {
		return err
	}

	obj, cached, err := s.deps.Gateway.Get(c.Request().Context(), t.doc)
	if err != nil {
		return err
	}

	c.Response().Header().Set(HeaderCached, strconv.FormatBool(cached))
	applyFieldSecurity(obj, kw, cfg, actor(c), "read")

	payload, err := s.applyExpression(c, cfg, obj)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleCreate(c echo.Context) error {
	cfg := entityConfig(c)
	t := resolveTarget(c)

	objV, listV, err := s.validators(cfg, t)
	if err != nil {
		return err
	}
	kw := objV.Keywords

	if err := requireRoles(c, cfg, kw.Security["create"]); err != nil {
		return err
	}

	body, err := decodeBody(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	a := actor(c)

	// An array body is a batch create: validated as a whole, written one by
	// one in order.
	if items, ok := body.([]any); ok {
		if err := listV.Validate(items); err != nil {
			return err
		}
		objects := make([]map[string]any, 0, len(items))
		var webhookIDs []string
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return apperr.MissingPrecondition(apperr.MsgMissingBody)
			}
			created, ids, err := s.createOne(ctx, cfg, t, objV, obj, a)
			if err != nil {
				return err
			}
			objects = append(objects, created)
			webhookIDs = append(webhookIDs, ids...)
		}
		setWebhookHeader(c, webhookIDs)
		payload, err := s.applyExpression(c, cfg, objects)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, payload)
	}

	obj, ok := body.(map[string]any)
	if !ok || len(obj) == 0 {
		return apperr.MissingPrecondition(apperr.MsgMissingBody)
	}

	created, webhookIDs, err := s.createOne(ctx, cfg, t, objV, obj, a)
	if err != nil {
		return err
	}
	setWebhookHeader(c, webhookIDs)

	payload, err := s.applyExpression(c, cfg, created)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, payload)
}

// createOne runs the full create pipeline for one object: validate, write,
// result check, webhook fan-out, action waterfall over the response.
func (s *Server) createOne(ctx context.Context, cfg *entitycache.Config, t target, objV *schema.Validator, body map[string]any, a *identity.Actor) (map[string]any, []string, error) {
	if err := objV.Validate(body); err != nil {
		return nil, nil, err
	}

	kw := objV.Keywords
	id := ""
	if kw.ObjectIDField != "" {
		id, _ = body[kw.ObjectIDField].(string)
	}
	if id == "" {
		id = uuid.NewString()
	}

	created, err := s.deps.Gateway.Create(ctx, body, t.col.Doc(id), kw.SearchableFields, a)
	if err != nil {
		return nil, nil, err
	}

	if err := objV.Validate(created); err != nil {
		return nil, nil, err
	}

	webhookIDs, err := s.deps.Dispatch.FireWebhooks(ctx, cfg, dispatch.MutationCreate, id, created)
	if err != nil {
		return nil, nil, err
	}

	// Actions shape the response only; their output is never written back.
	out, err := s.deps.Dispatch.RunActions(ctx, cfg, dispatch.MutationCreate, created)
	if err != nil {
		return nil, nil, err
	}
	return out, webhookIDs, nil
}

func (s *Server) handleUpdate(c echo.Context) error {
	cfg := entityConfig(c)
	t := resolveTarget(c)

	objV, _, err := s.validators(cfg, t)
	if err != nil {
		return err
	}
	kw := objV.Keywords

	if err := requireRoles(c, cfg, kw.Security["update"]); err != nil {
		return err
	}

	body, err := decodeObjectBody(c)
	if err != nil {
		return err
	}

	if kw.ObjectIDField != "" {
		if v, ok := body[kw.ObjectIDField].(string); ok && v != t.doc.ID() {
			return apperr.Mismatch(apperr.MsgObjectIDMismatch)
		}
	}

	if err := objV.Validate(body); err != nil {
		return err
	}

	ctx := c.Request().Context()

	updated, err := s.deps.Gateway.Update(ctx, body, t.doc, kw.SearchableFields, actor(c))
	if err != nil {
		return err
	}

	if err := objV.Validate(updated); err != nil {
		return err
	}

	webhookIDs, err := s.deps.Dispatch.FireWebhooks(ctx, cfg, dispatch.MutationUpdate, t.doc.ID(), updated)
	if err != nil {
		return err
	}
	setWebhookHeader(c, webhookIDs)

	out, err := s.deps.Dispatch.RunActions(ctx, cfg, dispatch.MutationUpdate, updated)
	if err != nil {
		return err
	}

	payload, err := s.applyExpression(c, cfg, out)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleDelete(c echo.Context) error {
	cfg := entityConfig(c)
	t := resolveTarget(c)

	objV, _, err := s.validators(cfg, t)
	if err != nil {
		return err
	}

	if err := requireRoles(c, cfg, objV.Keywords.Security["delete"]); err != nil {
		return err
	}

	ctx := c.Request().Context()

	// The pre-delete object rides on the webhook event.
	obj, _, err := s.deps.Gateway.Get(ctx, t.doc)
	if err != nil {
		return err
	}

	if err := s.deps.Gateway.Delete(ctx, t.doc); err != nil {
		return err
	}

	webhookIDs, err := s.deps.Dispatch.FireWebhooks(ctx, cfg, dispatch.MutationDelete, t.doc.ID(), obj)
	if err != nil {
		return err
	}
	setWebhookHeader(c, webhookIDs)

	return c.NoContent(http.StatusNoContent)
}
