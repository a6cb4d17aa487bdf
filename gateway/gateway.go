// Package gateway is the host's HTTP surface: the websocket endpoint that
// providers mount through, and a REST API over the registry.
package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vfsprovider/diag"
	"vfsprovider/state"
	"vfsprovider/vfs"
)

const (
	BaseRoute     = "/api/v1"
	ProviderRoute = "/provider"
)

type Gateway struct {
	registry *vfs.Registry
	grants   *state.Store
	tracker  *diag.Tracker
	metrics  http.Handler
	debug    bool

	echo     *echo.Echo
	upgrader websocket.Upgrader
}

type Option func(*Gateway)

// WithGrants exposes the grant store under /api/v1/grants.
func WithGrants(s *state.Store) Option {
	return func(g *Gateway) { g.grants = s }
}

// WithTracker serves in-flight requests at /debug/requests.
func WithTracker(t *diag.Tracker) Option {
	return func(g *Gateway) { g.tracker = t }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(g *Gateway) { g.metrics = h }
}

// WithDebug switches request logging to a console format.
func WithDebug(debug bool) Option {
	return func(g *Gateway) { g.debug = debug }
}

func New(registry *vfs.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			// Origins are checked against the grants when a file system
			// is mounted, not at upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(g)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	configureEchoLogger(e, g.debug)
	e.Use(middleware.Recover())

	base := e.Group(BaseRoute)
	registerFileSystemRoutes(base.Group("/filesystems"), registry)
	if g.grants != nil {
		registerGrantRoutes(base.Group("/grants"), g.grants)
	}
	base.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET(ProviderRoute, g.ProviderSession)
	if g.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(g.metrics))
	}
	if g.tracker != nil {
		e.GET("/debug/requests", echo.WrapHandler(g.tracker.Handler()))
	}

	g.echo = e
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.echo.ServeHTTP(w, r)
}
