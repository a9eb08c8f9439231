package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/metrics"
)

// APIKeyMiddleware validates the X-API-Key header against the configured
// admin key. If the configured key is empty, authentication is disabled
// (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				provided = c.QueryParam("api_key")
			}

			if provided == "" {
				metrics.AuthAttemptsTotal.WithLabelValues("api_key", "missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				metrics.AuthAttemptsTotal.WithLabelValues("api_key", "invalid").Inc()
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("api_key", "ok").Inc()
			return next(c)
		}
	}
}
