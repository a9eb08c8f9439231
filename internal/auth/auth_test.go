package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func doRequest(t *testing.T, mw echo.MiddlewareFunc, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := mw(okHandler)(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestAPIKeyMiddleware(t *testing.T) {
	mw := APIKeyMiddleware("secret-key")

	rec := doRequest(t, mw, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = doRequest(t, mw, func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong key, got %d", rec.Code)
	}

	rec = doRequest(t, mw, func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret-key")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid key, got %d", rec.Code)
	}
}

func TestAPIKeyMiddlewareQueryParam(t *testing.T) {
	mw := APIKeyMiddleware("secret-key")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?api_key=secret-key", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := mw(okHandler)(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for query param key, got %d", rec.Code)
	}
}

func TestAPIKeyMiddlewareDisabledWhenUnconfigured(t *testing.T) {
	mw := APIKeyMiddleware("")

	rec := doRequest(t, mw, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open access with empty key, got %d", rec.Code)
	}
}

func TestIssueAndValidateUserToken(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	userID := uuid.New()

	token, err := issuer.IssueUserToken(userID, "discord-123", "loso", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken returned error: %v", err)
	}

	claims, err := issuer.ValidateUserToken(token)
	if err != nil {
		t.Fatalf("ValidateUserToken returned error: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, claims.UserID)
	}
	if claims.DiscordID != "discord-123" || claims.Username != "loso" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "losocloud" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
}

func TestValidateUserTokenRejectsExpired(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	token, err := issuer.IssueUserToken(uuid.New(), "d", "u", -time.Minute)
	if err != nil {
		t.Fatalf("IssueUserToken returned error: %v", err)
	}
	if _, err := issuer.ValidateUserToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateUserTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTIssuer("secret-a").IssueUserToken(uuid.New(), "d", "u", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken returned error: %v", err)
	}
	if _, err := NewJWTIssuer("secret-b").ValidateUserToken(token); err == nil {
		t.Fatal("expected token signed with other secret to be rejected")
	}
}

func TestUserJWTMiddleware(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	userID := uuid.New()
	token, err := issuer.IssueUserToken(userID, "discord-123", "loso", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken returned error: %v", err)
	}
	mw := UserJWTMiddleware(issuer)

	rec := doRequest(t, mw, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(t, mw, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-token")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}

	rec = doRequest(t, mw, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid bearer token, got %d", rec.Code)
	}

	rec = doRequest(t, mw, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid session cookie, got %d", rec.Code)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	if _, ok := GetUserID(c); ok {
		t.Fatal("expected no user ID on a bare context")
	}

	userID := uuid.New()
	SetUserID(c, userID)
	got, ok := GetUserID(c)
	if !ok || got != userID {
		t.Fatalf("expected %s, got %s (ok=%v)", userID, got, ok)
	}
}
