package gateway

import (
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func skipLogging(c echo.Context) bool {
	return c.Request().URL.Path == BaseRoute+"/health"
}

func configureEchoLogger(e *echo.Echo, debug bool) {
	logger := log.Logger
	if debug {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05",
		}).With().Timestamp().Logger()
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURIPath: true,
		LogError:   true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			var ev *zerolog.Event
			if v.Error != nil {
				ev = logger.Err(v.Error)
			} else {
				ev = logger.Info()
			}
			ev.Str("method", c.Request().Method).
				Str("URI", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("")
			return nil
		},
		Skipper: skipLogging,
	}))
}
