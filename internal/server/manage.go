package server

import (
	"encoding/json"
	"net/http"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/fyrsmithlabs/entityd/internal/transform"
	"github.com/labstack/echo/v4"
)

// registerManagementRoutes wires the configuration surface. Schema routes
// hang off the raw group: creating the first schema is what brings an
// entity into existence, so they cannot demand a resolvable entity the way
// the data routes do.
func (s *Server) registerManagementRoutes(v1, entity *echo.Group) {
	v1.GET("/:entity/schemas", s.handleListSchemas)
	v1.POST("/:entity/schemas", s.handleCreateSchema)
	v1.GET("/:entity/schemas/:schemaId", s.handleGetSchema)
	v1.PUT("/:entity/schemas/:schemaId", s.handleUpdateSchema)
	v1.DELETE("/:entity/schemas/:schemaId", s.handleDeleteSchema)

	for _, col := range []string{
		store.CollectionExpressions,
		store.CollectionWebhooks,
		store.CollectionActions,
		store.CollectionRoles,
	} {
		entity.GET("/"+col, s.handleListConfig(col))
		entity.POST("/"+col, s.handleCreateConfig(col))
		entity.GET("/"+col+"/:cid", s.handleGetConfig(col))
		entity.PUT("/"+col+"/:cid", s.handleUpdateConfig(col))
		entity.DELETE("/"+col+"/:cid", s.handleDeleteConfig(col))
	}
}

func entityDocRef(c echo.Context) store.Ref {
	return store.Workspace(workspace(c)).Doc(c.Param("entity"))
}

func notFoundMessage(col string) string {
	switch col {
	case store.CollectionExpressions:
		return apperr.MsgExpressionNotFound
	case store.CollectionWebhooks:
		return apperr.MsgWebhookNotFound
	case store.CollectionActions:
		return apperr.MsgActionNotFound
	case store.CollectionRoles:
		return apperr.MsgRoleNotFound
	case store.CollectionObjectSchemas:
		return apperr.MsgSchemaNotFound
	default:
		return apperr.MsgObjectNotFound
	}
}

// validateConfigDoc runs collection-specific checks before a configuration
// document is accepted.
func validateConfigDoc(col string, body map[string]any) error {
	if col == store.CollectionExpressions {
		src, _ := body["value"].(string)
		if src == "" {
			return apperr.MissingPrecondition(apperr.MsgExpressionInvalid)
		}
		return transform.Validate(src)
	}
	return nil
}

func (s *Server) handleListConfig(col string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rows, err := s.deps.Gateway.Store().QueryCollection(
			c.Request().Context(), entityDocRef(c).Collection(col), store.Query{})
		if err != nil {
			return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
		}
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, store.NormalizeObject(row, ""))
		}
		return c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleGetConfig(col string) echo.HandlerFunc {
	return func(c echo.Context) error {
		doc, _, err := s.deps.Gateway.Get(
			c.Request().Context(), entityDocRef(c).Collection(col).Doc(c.Param("cid")))
		if err != nil {
			if apperr.IsNotFound(err) {
				return apperr.NotFound(notFoundMessage(col))
			}
			return err
		}
		return c.JSON(http.StatusOK, doc)
	}
}

func (s *Server) handleCreateConfig(col string) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := decodeObjectBody(c)
		if err != nil {
			return err
		}
		id, _ := body["objectId"].(string)
		if id == "" {
			return apperr.MissingPrecondition(apperr.MsgMissingObjectID)
		}
		if err := validateConfigDoc(col, body); err != nil {
			return err
		}

		created, err := s.deps.Gateway.Create(
			c.Request().Context(), body, entityDocRef(c).Collection(col).Doc(id), nil, actor(c))
		if err != nil {
			return err
		}

		s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
		return c.JSON(http.StatusCreated, created)
	}
}

func (s *Server) handleUpdateConfig(col string) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := decodeObjectBody(c)
		if err != nil {
			return err
		}
		id := c.Param("cid")
		if v, ok := body["objectId"].(string); ok && v != id {
			return apperr.Mismatch(apperr.MsgObjectIDMismatch)
		}
		if err := validateConfigDoc(col, body); err != nil {
			return err
		}

		updated, err := s.deps.Gateway.Update(
			c.Request().Context(), body, entityDocRef(c).Collection(col).Doc(id), nil, actor(c))
		if err != nil {
			if apperr.IsNotFound(err) {
				return apperr.NotFound(notFoundMessage(col))
			}
			return err
		}

		s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
		return c.JSON(http.StatusOK, updated)
	}
}

func (s *Server) handleDeleteConfig(col string) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := s.deps.Gateway.Delete(
			c.Request().Context(), entityDocRef(c).Collection(col).Doc(c.Param("cid")))
		if err != nil {
			if apperr.IsNotFound(err) {
				return apperr.NotFound(notFoundMessage(col))
			}
			return err
		}

		s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
		return c.NoContent(http.StatusNoContent)
	}
}

// Schema management. Creating and updating compile the definition first so
// a broken schema never reaches the store.

func (s *Server) handleListSchemas(c echo.Context) error {
	rows, err := s.deps.Gateway.Store().QueryCollection(
		c.Request().Context(), entityDocRef(c).Collection(store.CollectionObjectSchemas), store.Query{})
	if err != nil {
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.NormalizeObject(row, ""))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSchema(c echo.Context) error {
	doc, _, err := s.deps.Gateway.Get(c.Request().Context(),
		entityDocRef(c).Collection(store.CollectionObjectSchemas).Doc(c.Param("schemaId")))
	if err != nil {
		if apperr.IsNotFound(err) {
			return apperr.NotFound(apperr.MsgSchemaNotFound)
		}
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// schemaPairID names the compiled pair a schema document governs: the
// entity's own pair when the document id matches the entity, a sub-entity
// pair otherwise.
func schemaPairID(ws, entity, schemaID string) string {
	pid := ws + "/schemas/" + entity
	if schemaID != entity {
		pid += "/" + schemaID
	}
	return pid
}

// checkSchemaDoc parses, role-checks and compile-checks a submitted schema
// document, returning its id.
func (s *Server) checkSchemaDoc(c echo.Context, body map[string]any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		return "", err
	}
	if def.ID == "" {
		return "", apperr.MissingPrecondition(apperr.MsgMissingSchema)
	}

	// Role names referenced by the schema must already be configured for
	// the entity. A fresh entity has none, so its first schema cannot
	// reference any.
	var allowed map[string][]string
	if cfg, rerr := s.deps.Entities.Resolve(c.Request().Context(), workspace(c), c.Param("entity"), false); rerr == nil {
		allowed = cfg.Roles
	}
	for _, roles := range def.Security {
		for _, role := range roles {
			if _, ok := allowed[role]; !ok {
				return "", apperr.MissingPrecondition(apperr.MsgRolesNotAllowed)
			}
		}
	}

	pid := schemaPairID(workspace(c), c.Param("entity"), def.ID)
	s.deps.Registry.RemovePair(pid)
	if _, err := s.deps.Registry.Compile(pid, def); err != nil {
		return "", err
	}
	// Compiled without the system fields; drop it so the data path rebuilds
	// the augmented pair on first use.
	s.deps.Registry.RemovePair(pid)

	return def.ID, nil
}

func (s *Server) handleCreateSchema(c echo.Context) error {
	body, err := decodeObjectBody(c)
	if err != nil {
		return err
	}
	id, err := s.checkSchemaDoc(c, body)
	if err != nil {
		return err
	}

	created, err := s.deps.Gateway.Create(c.Request().Context(), body,
		entityDocRef(c).Collection(store.CollectionObjectSchemas).Doc(id), nil, actor(c))
	if err != nil {
		return err
	}

	s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateSchema(c echo.Context) error {
	body, err := decodeObjectBody(c)
	if err != nil {
		return err
	}
	id, err := s.checkSchemaDoc(c, body)
	if err != nil {
		return err
	}
	if id != c.Param("schemaId") {
		return apperr.Mismatch(apperr.MsgSchemaIDMismatch)
	}

	updated, err := s.deps.Gateway.Update(c.Request().Context(), body,
		entityDocRef(c).Collection(store.CollectionObjectSchemas).Doc(id), nil, actor(c))
	if err != nil {
		if apperr.IsNotFound(err) {
			return apperr.NotFound(apperr.MsgSchemaNotFound)
		}
		return err
	}

	s.deps.Registry.RemovePair(schemaPairID(workspace(c), c.Param("entity"), id))
	s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteSchema(c echo.Context) error {
	id := c.Param("schemaId")
	err := s.deps.Gateway.Delete(c.Request().Context(),
		entityDocRef(c).Collection(store.CollectionObjectSchemas).Doc(id))
	if err != nil {
		if apperr.IsNotFound(err) {
			return apperr.NotFound(apperr.MsgSchemaNotFound)
		}
		return err
	}

	s.deps.Registry.RemovePair(schemaPairID(workspace(c), c.Param("entity"), id))
	s.deps.Entities.Invalidate(workspace(c), c.Param("entity"))
	return c.NoContent(http.StatusNoContent)
}
