package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const sessionTTL = 7 * 24 * time.Hour

// OAuthHandlers provides HTTP handlers for the Discord OAuth flow.
type OAuthHandlers struct {
	discord *DiscordAuthenticator
	issuer  *JWTIssuer
}

// NewOAuthHandlers creates new OAuth handlers.
func NewOAuthHandlers(discord *DiscordAuthenticator, issuer *JWTIssuer) *OAuthHandlers {
	return &OAuthHandlers{discord: discord, issuer: issuer}
}

// HandleLogin redirects the user to Discord for authentication.
func (h *OAuthHandlers) HandleLogin(c echo.Context) error {
	state, err := generateState()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to generate state",
		})
	}

	// Store state in cookie for CSRF protection
	c.SetCookie(&http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return c.Redirect(http.StatusFound, h.discord.AuthCodeURL(state))
}

// HandleCallback exchanges the authorization code for user info and sets
// the session cookie.
func (h *OAuthHandlers) HandleCallback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")

	if code == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing authorization code",
		})
	}

	// Verify CSRF state
	stateCookie, err := c.Cookie("oauth_state")
	if err != nil || stateCookie.Value != state {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid state parameter",
		})
	}

	// Clear state cookie
	c.SetCookie(&http.Cookie{
		Name:   "oauth_state",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	ctx := c.Request().Context()
	du, err := h.discord.Exchange(ctx, code)
	if err != nil {
		log.Printf("auth: discord callback failed: %v", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "authentication failed",
		})
	}

	user, err := h.discord.ProvisionUser(ctx, du)
	if err != nil {
		log.Printf("auth: provisioning failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to provision user",
		})
	}

	token, err := h.issuer.IssueUserToken(user.ID, user.DiscordID, user.Username, sessionTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to issue session",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.discord.Config().CookieDomain,
		MaxAge:   int(sessionTTL / time.Second),
		HttpOnly: true,
		Secure:   isSecureRequest(c),
		SameSite: http.SameSiteLaxMode,
	})

	target := h.discord.Config().FrontendURL
	if target == "" {
		target = "/"
	}
	return c.Redirect(http.StatusFound, target)
}

// HandleLogout clears the session cookie.
func (h *OAuthHandlers) HandleLogout(c echo.Context) error {
	ClearAllCookies(c)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "logged out",
	})
}

// HandleMe returns the current user identity from the authenticated context.
func (h *OAuthHandlers) HandleMe(c echo.Context) error {
	userID, _ := GetUserID(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":        userID,
		"discordId": c.Get("discord_id"),
		"username":  c.Get("username"),
	})
}

// isSecureRequest returns true if the request is over HTTPS,
// either directly or via a TLS-terminating proxy.
func isSecureRequest(c echo.Context) bool {
	if c.Request().TLS != nil {
		return true
	}
	return c.Request().Header.Get("X-Forwarded-Proto") == "https"
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ClearAllCookies clears all auth cookies (used for force-logout).
func ClearAllCookies(c echo.Context) {
	for _, name := range []string{SessionCookieName, "oauth_state"} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
		})
	}
}
