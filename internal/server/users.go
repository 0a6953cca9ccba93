package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleListUsers(c echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}

	users, err := s.deps.Identity.ListUsers(c.Request().Context(), workspace(c), offset, limit)
	if err != nil {
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return c.JSON(http.StatusOK, users)
}

func (s *Server) handleGetUser(c echo.Context) error {
	user, err := s.deps.Identity.GetUser(c.Request().Context(), c.Param("email"), workspace(c))
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return apperr.NotFound(apperr.MsgUserNotFound)
		}
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var user identity.User
	if err := c.Bind(&user); err != nil || user.Email == "" {
		return apperr.MissingPrecondition(apperr.MsgMissingBody)
	}

	created, err := s.deps.Identity.CreateUser(c.Request().Context(), user, workspace(c))
	if err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			return apperr.AlreadyExists(apperr.MsgUserAlreadyExists)
		}
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateUser(c echo.Context) error {
	var user identity.User
	if err := c.Bind(&user); err != nil {
		return apperr.MissingPrecondition(apperr.MsgMissingBody)
	}
	user.Email = c.Param("email")

	updated, err := s.deps.Identity.UpdateUser(c.Request().Context(), user, workspace(c))
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return apperr.NotFound(apperr.MsgUserNotFound)
		}
		return apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return c.JSON(http.StatusOK, updated)
}
