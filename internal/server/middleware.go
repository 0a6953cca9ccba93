package server

import (
	"net"
	"strings"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/labstack/echo/v4"
)

// Context keys for values resolved by the middleware chain.
const (
	ctxWorkspace = "entityd.workspace"
	ctxActor     = "entityd.actor"
	ctxEntity    = "entityd.entity"
)

// workspaceMiddleware resolves the tenant workspace: the configured override
// when set, the first Host label otherwise. Every response carries the
// resolved workspace.
func (s *Server) workspaceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws := s.config.WorkspaceOverride
		if ws == "" {
			host := c.Request().Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			ws, _, _ = strings.Cut(host, ".")
		}
		if ws == "" {
			return apperr.MissingPrecondition(apperr.MsgMissingWorkspace)
		}

		c.Set(ctxWorkspace, ws)
		c.Response().Header().Set(HeaderWorkspace, ws)
		return next(c)
	}
}

// actorMiddleware picks up the authenticated user forwarded by the edge
// proxy. Requests without identity headers proceed anonymously; role checks
// reject them later where the schema demands a role.
func (s *Server) actorMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(HeaderUserID)
		email := c.Request().Header.Get(HeaderUserEmail)
		if id != "" || email != "" {
			c.Set(ctxActor, &identity.Actor{ID: id, Email: email})
		}
		return next(c)
	}
}

// entityMiddleware resolves the entity configuration for the :entity route
// param and advertises the schema in use.
func (s *Server) entityMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		entity := c.Param("entity")
		if entity == "" {
			return apperr.MissingPrecondition(apperr.MsgMissingSchema)
		}

		cfg, err := s.deps.Entities.Resolve(c.Request().Context(), workspace(c), entity, false)
		if err != nil {
			return err
		}

		c.Set(ctxEntity, cfg)
		c.Response().Header().Set(HeaderSchema, entity)
		return next(c)
	}
}

func workspace(c echo.Context) string {
	ws, _ := c.Get(ctxWorkspace).(string)
	return ws
}

func actor(c echo.Context) *identity.Actor {
	a, _ := c.Get(ctxActor).(*identity.Actor)
	return a
}

func entityConfig(c echo.Context) *entitycache.Config {
	cfg, _ := c.Get(ctxEntity).(*entitycache.Config)
	return cfg
}

// requireRoles enforces a schema-level operation role list. An empty list
// means the operation is open.
func requireRoles(c echo.Context, cfg *entitycache.Config, roles []string) error {
	if len(roles) == 0 {
		return nil
	}
	a := actor(c)
	if a == nil || a.Email == "" {
		return apperr.Unauthorized("authentication required")
	}
	if !cfg.HasRole(a.Email, roles) {
		return apperr.Forbidden("insufficient role")
	}
	return nil
}
