package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"card-grading-service/internal/model"
	"card-grading-service/internal/observability"
)

func init() { gin.SetMode(gin.TestMode) }

type tokenMap map[string]model.Actor

func (m tokenMap) ValidateToken(_ context.Context, token string) (model.Actor, error) {
	a, ok := m[token]
	if !ok {
		return model.Actor{}, errors.New("unknown token")
	}
	return a, nil
}

func newRouter(h ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	h = append(h, func(c *gin.Context) { c.JSON(http.StatusOK, Actor(c)) })
	r.GET("/x", h...)
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := tokenMap{
		"t-admin":  {ID: "u1", Name: "Ada", Role: "admin"},
		"t-viewer": {ID: "u2", Name: "Bob"},
	}

	tests := []struct {
		name   string
		token  string
		chain  []gin.HandlerFunc
		status int
	}{
		{"missing header", "", []gin.HandlerFunc{AuthMiddleware(auth)}, http.StatusUnauthorized},
		{"unknown token", "nope", []gin.HandlerFunc{AuthMiddleware(auth)}, http.StatusUnauthorized},
		{"authenticated", "t-viewer", []gin.HandlerFunc{AuthMiddleware(auth)}, http.StatusOK},
		{"role denied", "t-viewer", []gin.HandlerFunc{AuthMiddleware(auth), RequireRole("admin", "grader")}, http.StatusForbidden},
		{"role allowed", "t-admin", []gin.HandlerFunc{AuthMiddleware(auth), RequireRole("admin", "grader")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newRouter(tt.chain...), tt.token)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := do(newRouter(AuthMiddleware(auth)), "t-admin")
	assert.JSONEq(t, `{"id":"u1","name":"Ada","role":"admin"}`, w.Body.String())
}

func TestMetricsMiddleware(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/records/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/"+id, nil))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/records/:id", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	r := newRouter(Timeout(time.Second), func(c *gin.Context) {
		deadline, ok = c.Request.Context().Deadline()
	})
	do(r, "")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestRequestLoggerNilLogger(t *testing.T) {
	w := do(newRouter(RequestLogger(nil)), "")
	assert.Equal(t, http.StatusOK, w.Code)
}
