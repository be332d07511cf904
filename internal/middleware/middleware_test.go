package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/e2b-dev/research/internal/api"
	"github.com/e2b-dev/research/internal/auth"
)

func TestSubdomainRewrite(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		path     string
		wantPath string
	}{
		{name: "api subdomain gets the prefix", host: "api.research.dev", path: "/projects/1/status", wantPath: "/v1/projects/1/status"},
		{name: "host is case insensitive", host: "API.research.dev:443", path: "/projects", wantPath: "/v1/projects"},
		{name: "already prefixed", host: "api.research.dev", path: "/v1/projects", wantPath: "/v1/projects"},
		{name: "other hosts are untouched", host: "research.dev", path: "/projects/1", wantPath: "/projects/1"},
		{name: "subdomain must be a full label", host: "apix.research.dev", path: "/projects", wantPath: "/projects"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath string
			handler := SubdomainRewrite(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
			}), "api", "/v1")

			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.Host = tc.host
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tc.wantPath, gotPath)
		})
	}
}

func TestSubdomainRewrite_Disabled(t *testing.T) {
	next := http.NotFoundHandler()
	assert.NotNil(t, SubdomainRewrite(next, "", "/v1"))
}

func TestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(ExcludeRoutes(LoggingMiddleware(zap.New(core), Config{UTC: true, DefaultLevel: zapcore.InfoLevel}), "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/projects/:projectID", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/health", "/projects/abc", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "/projects/:projectID", entries[0].ContextMap()["route"])
	assert.Equal(t, int64(http.StatusNotFound), entries[0].ContextMap()["status"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

type countingLimiter struct {
	limit int
	calls map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.err != nil {
		return false, 0, l.err
	}

	l.calls[key]++

	return l.calls[key] <= l.limit, 1500 * time.Millisecond, nil
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &countingLimiter{limit: 2, calls: map[string]int{}}
	r := gin.New()
	r.POST("/projects", func(c *gin.Context) {
		c.Set(auth.PrincipalContextKey, auth.Principal{UserID: c.GetHeader("X-User"), AuthMode: auth.AuthModeSession})
	}, RateLimit(limiter), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/projects", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		return w
	}

	assert.Equal(t, http.StatusAccepted, send("alice").Code)
	assert.Equal(t, http.StatusAccepted, send("alice").Code)

	w := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var body api.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, api.Error{Code: http.StatusTooManyRequests, Message: "Too many requests, try again later"}, body)

	assert.Equal(t, http.StatusAccepted, send("bob").Code)

	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusAccepted, send("alice").Code)
}
