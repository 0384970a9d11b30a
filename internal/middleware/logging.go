// Package middleware provides Echo middleware for request logging and metrics.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/observe"
)

// RequestLogger returns an Echo middleware that assigns each request a
// session id and runs the inbound hook before the request is dispatched.
// Requests under the reserved local prefix are only logged at debug level.
func RequestLogger(hooks *observe.Hooks, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			session := uuid.NewString()
			c.Set(observe.SessionKey, session)
			listener := observe.Listener(req.Context())

			if !isLocal(req.URL.Path) {
				err := hooks.Inbound(req,
					"session", session,
					"listener", listener,
					"remote_ip", c.RealIP(),
				)
				if err != nil {
					logger.Warn("reading request body", "err", err, "session", session)
					var he *echo.HTTPError
					if errors.As(err, &he) {
						return he
					}
					return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body").SetInternal(err)
				}
			}

			err := next(c)

			res := c.Response()
			logger.Debug("request completed",
				"session", session,
				"listener", listener,
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

func isLocal(path string) bool {
	return path == config.ReservedPrefix || strings.HasPrefix(path, config.ReservedPrefix+"/")
}
