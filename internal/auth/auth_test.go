package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var secret = []byte("test-secret")

func TestSignVerifyRoundtrip(t *testing.T) {
	tok, err := Sign("user-1", "a@example.com", "admin", "Alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := Verify(tok, secret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "a@example.com" || id.Role != "admin" || id.Name != "Alice" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	rem := id.Remaining(time.Now())
	if rem <= 59*time.Minute || rem > time.Hour {
		t.Fatalf("unexpected remaining %v", rem)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, _ := Sign("user-1", "a@example.com", "user", "", secret, time.Hour)
	if _, err := Verify(tok, []byte("other")); err == nil {
		t.Fatal("expected failure with wrong secret")
	}
}

func TestVerifyExpired(t *testing.T) {
	tok, _ := Sign("user-1", "a@example.com", "user", "", secret, -time.Minute)
	if _, err := Verify(tok, secret); err == nil {
		t.Fatal("expected failure for expired token")
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, err := Verify("not.a.token", secret); err == nil {
		t.Fatal("expected failure for malformed token")
	}
}

func TestMiddlewareBearer(t *testing.T) {
	e := echo.New()
	tok, _ := Sign("user-1", "a@example.com", "user", "", secret, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := EchoMiddleware(secret)(func(c echo.Context) error {
		called = true
		if c.Get("user_id") != "user-1" {
			t.Fatalf("user_id not set: %v", c.Get("user_id"))
		}
		id, ok := c.Get("identity").(Identity)
		if !ok || id.UserID != "user-1" {
			t.Fatalf("identity not set: %v", c.Get("identity"))
		}
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestMiddlewareCookie(t *testing.T) {
	e := echo.New()
	tok, _ := Sign("user-2", "b@example.com", "user", "", secret, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := EchoMiddleware(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := EchoMiddleware(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestExtractTokenQueryParam(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if got := ExtractToken(c); got != "abc" {
		t.Fatalf("expected token from query param, got %q", got)
	}
}
