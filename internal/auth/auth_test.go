package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		called = true
		sub, ok := SubjectFromContext(c.Request().Context())
		if !ok || sub != "user-1" {
			t.Fatalf("subject = %q, %v", sub, ok)
		}
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if !called {
		t.Fatal("handler not reached")
	}
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	h := EchoAuthMiddleware(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for name, header := range map[string]string{
		"missing": "",
		"garbage": "Bearer not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			err := h(c)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusUnauthorized {
				t.Fatalf("err = %v, want 401", err)
			}
		})
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-1", secret, -time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	c := e.NewContext(req, httptest.NewRecorder())

	h := EchoAuthMiddleware(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	err = h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestMiddlewareAcceptsCookie(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-2", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	c := e.NewContext(req, httptest.NewRecorder())

	h := EchoAuthMiddleware(secret)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("cookie auth failed: %v", err)
	}
}
