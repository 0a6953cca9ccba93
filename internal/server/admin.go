package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleCacheFlush clears the whole response cache for the deployment.
func (s *Server) handleCacheFlush(c echo.Context) error {
	s.deps.Gateway.Cache().FlushAll(c.Request().Context())
	s.logger.Info("response cache flushed")
	return c.NoContent(http.StatusNoContent)
}

// handleEntityRefresh forces a re-fetch of the entity's configuration,
// bypassing the TTL.
func (s *Server) handleEntityRefresh(c echo.Context) error {
	if _, err := s.deps.Entities.Resolve(c.Request().Context(), workspace(c), c.Param("entity"), true); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
