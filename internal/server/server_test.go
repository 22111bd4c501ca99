package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wagateway/internal/auth"
	"github.com/memohai/wagateway/internal/config"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/health", want: true},
		{path: "/health/", want: true},
		{path: "/metrics", want: true},
		{path: "/sessions", want: false},
		{path: "/ws/acme", want: false},
		{path: "/healthz", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type pingHandler struct{}

func (pingHandler) Register(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/sessions", func(c echo.Context) error { return c.String(http.StatusOK, "[]") })
}

func serve(srv *Server, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestServerWithoutSecretIsOpen(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(log, config.Config{}, []Handler{pingHandler{}, nil})
	rec := serve(srv, "/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestServerEnforcesJWTWhenConfigured(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{Auth: config.AuthConfig{JWTSecret: "s3cret"}}
	srv := NewServer(log, cfg, []Handler{pingHandler{}})

	assert.Equal(t, http.StatusOK, serve(srv, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(srv, "/sessions", "").Code)

	token, _, err := auth.GenerateToken("ops", "s3cret", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve(srv, "/sessions", token).Code)
}
