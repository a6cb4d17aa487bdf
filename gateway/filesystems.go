package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"vfsprovider/state"
	"vfsprovider/vfs"
)

// httpError maps vfs error kinds onto HTTP statuses.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vfs.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, vfs.ErrPermissionDenied), errors.Is(err, vfs.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, vfs.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, vfs.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(status, err.Error())
}

type fileSystemGroup struct {
	routerGroup *echo.Group
	registry    *vfs.Registry
}

func registerFileSystemRoutes(g *echo.Group, registry *vfs.Registry) *fileSystemGroup {
	group := &fileSystemGroup{routerGroup: g, registry: registry}

	g.GET("", group.List)
	g.GET("/:id", group.Get)
	g.DELETE("/:id", group.Unmount)

	return group
}

func (g *fileSystemGroup) List(c echo.Context) error {
	return c.JSON(http.StatusOK, g.registry.List())
}

func (g *fileSystemGroup) Get(c echo.Context) error {
	info, err := g.registry.Info(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// Unmount removes the file system from the host without consulting its
// provider.
func (g *fileSystemGroup) Unmount(c echo.Context) error {
	if err := g.registry.Unmount(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type grantGroup struct {
	routerGroup *echo.Group
	store       *state.Store
}

type grantRequest struct {
	Origin string `json:"origin"`
	Note   string `json:"note"`
}

func registerGrantRoutes(g *echo.Group, store *state.Store) *grantGroup {
	group := &grantGroup{routerGroup: g, store: store}

	g.GET("", group.List)
	g.POST("", group.Grant)
	g.DELETE("", group.Revoke)

	return group
}

func (g *grantGroup) List(c echo.Context) error {
	return c.JSON(http.StatusOK, g.store.List())
}

func (g *grantGroup) Grant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid grant")
	}
	if err := g.store.Grant(req.Origin, req.Note); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

// Revoke takes the origin as a query parameter since origins contain
// slashes.
func (g *grantGroup) Revoke(c echo.Context) error {
	if err := g.store.Revoke(c.QueryParam("origin")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
