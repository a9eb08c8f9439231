package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/metrics"
)

type contextKey string

const (
	// ContextKeyUserID is the echo context key for the authenticated user ID.
	ContextKeyUserID contextKey = "user_id"

	// SessionCookieName is the browser session cookie set after login.
	SessionCookieName = "losocloud_session"
)

// SetUserID stores the user ID in the echo context.
func SetUserID(c echo.Context, userID uuid.UUID) {
	c.Set(string(ContextKeyUserID), userID)
}

// GetUserID retrieves the user ID from the echo context.
func GetUserID(c echo.Context) (uuid.UUID, bool) {
	v := c.Get(string(ContextKeyUserID))
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// UserJWTMiddleware validates session JWTs from the session cookie or the
// Authorization header and puts the user identity on the request context.
func UserJWTMiddleware(issuer *JWTIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr := ""
			if cookie, err := c.Cookie(SessionCookieName); err == nil {
				tokenStr = cookie.Value
			}
			if tokenStr == "" {
				auth := c.Request().Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					tokenStr = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if tokenStr == "" {
				metrics.AuthAttemptsTotal.WithLabelValues("jwt", "missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "authentication required",
				})
			}

			claims, err := issuer.ValidateUserToken(tokenStr)
			if err != nil {
				metrics.AuthAttemptsTotal.WithLabelValues("jwt", "invalid").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid session",
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("jwt", "ok").Inc()
			SetUserID(c, claims.UserID)
			c.Set("discord_id", claims.DiscordID)
			c.Set("username", claims.Username)
			return next(c)
		}
	}
}
