package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(service *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())

	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	protected := router.Group("/api/v1/vaults", JWTAuth(service))
	protected.GET("", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("address")) })

	admin := router.Group("/api/v1/internal", JWTAuth(service), RequireAdmin())
	admin.POST("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func serve(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func issue(t *testing.T, service *auth.Service, address string) string {
	t.Helper()
	service.RegisterAPICredentials(address, address+"-secret")
	token, err := service.GenerateToken(auth.Credentials{APIKey: address, APISecret: address + "-secret"})
	require.NoError(t, err)
	return token.Token
}

func TestJWTAuthSetsAddress(t *testing.T) {
	service := auth.NewService("secret", "admin")
	router := newRouter(service)

	w := serve(router, http.MethodGet, "/api/v1/vaults", issue(t, service, "alice"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = serve(router, http.MethodGet, "/api/v1/vaults", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	service := auth.NewService("secret", "admin")
	router := newRouter(service)

	w := serve(router, http.MethodPost, "/api/v1/internal/ping", issue(t, service, "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(router, http.MethodPost, "/api/v1/internal/ping", issue(t, service, "admin"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitOnAuthRoutes(t *testing.T) {
	router := newRouter(auth.NewService("secret", ""))

	first := serve(router, http.MethodPost, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusOK, first.Code)

	second := serve(router, http.MethodPost, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
