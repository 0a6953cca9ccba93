package server

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the error body for every failed request.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// handleError maps typed errors onto statuses. Untyped errors never leak
// their text to clients.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := ae.HTTPStatus()
		if status == http.StatusInternalServerError {
			s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		}
		_ = c.JSON(status, ErrorResponse{Error: ae.Message, Violations: ae.Violations})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, ErrorResponse{Error: msg})
		return
	}

	s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	_ = c.JSON(http.StatusInternalServerError, ErrorResponse{Error: apperr.MsgSomethingWentWrong})
}
