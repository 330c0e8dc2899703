package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storycredits/internal/testutil"
	"storycredits/pkg/response"
)

func setupAdminRouter(t *testing.T, adminToken string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testutil.TestConfig(t)
	cfg.Credits.AdminToken = adminToken

	r := gin.New()
	r.POST("/admin/repair", AdminAuthMiddleware(cfg), func(c *gin.Context) {
		response.Success(c, gin.H{"ok": true})
	})
	return r
}

func doAdminRequest(t *testing.T, r *gin.Engine, authorization string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/admin/repair", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestAdminAuthMiddleware_ValidToken(t *testing.T) {
	r := setupAdminRouter(t, "secret-token")

	w, body := doAdminRequest(t, r, "Bearer secret-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeSuccess, body.Code)
}

func TestAdminAuthMiddleware_WrongToken(t *testing.T) {
	r := setupAdminRouter(t, "secret-token")

	_, body := doAdminRequest(t, r, "Bearer wrong-token")
	assert.Equal(t, response.CodeForbidden, body.Code)
}

func TestAdminAuthMiddleware_MissingHeader(t *testing.T) {
	r := setupAdminRouter(t, "secret-token")

	_, body := doAdminRequest(t, r, "")
	assert.Equal(t, response.CodeForbidden, body.Code)
}

func TestAdminAuthMiddleware_EmptyConfiguredToken(t *testing.T) {
	// 令牌未配置时拒绝所有请求，包括空令牌匹配空配置的情况
	r := setupAdminRouter(t, "")

	_, body := doAdminRequest(t, r, "Bearer ")
	assert.Equal(t, response.CodeForbidden, body.Code)
}
