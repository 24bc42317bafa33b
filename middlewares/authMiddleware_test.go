package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware(func() string { return "generated" }))
	r.Use(AuthMiddleware())
	r.GET("/open", func(c *gin.Context) {
		id, _ := utils.GetUserIdFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": id, "correlation_id": cid})
	})
	r.GET("/me", RequireActor(), func(c *gin.Context) {
		id, _ := utils.GetUserIdFromContext(c.Request.Context())
		name, _ := utils.GetUserNameFromContext(c.Request.Context())
		admin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": id, "name": name, "admin": admin})
	})
	r.GET("/admin", RequireActor(), RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func get(r *gin.Engine, path, token string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestValidTokenSetsActor(t *testing.T) {
	token, err := utils.JwtGenerate(42, "Dana", "member")
	require.NoError(t, err)

	w := get(newTestEngine(), "/me", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":42,"name":"Dana","admin":false}`, w.Body.String())
}

func TestMissingTokenIsRejectedOnlyWhereRequired(t *testing.T) {
	r := newTestEngine()
	assert.Equal(t, http.StatusOK, get(r, "/open", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "").Code)
}

func TestBadTokenIsRejected(t *testing.T) {
	w := get(newTestEngine(), "/open", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRouteNeedsAdminRole(t *testing.T) {
	r := newTestEngine()
	member, err := utils.JwtGenerate(1, "m", "member")
	require.NoError(t, err)
	admin, err := utils.JwtGenerate(2, "a", utils.RoleAdmin)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, get(r, "/admin", member).Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/admin", admin).Code)
}

func TestCorrelationIdIsPropagated(t *testing.T) {
	r := newTestEngine()

	w := get(r, "/open", "", "x-correlation-id", "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get("x-correlation-id"))
	assert.Contains(t, w.Body.String(), `"correlation_id":"abc-123"`)

	w = get(r, "/open", "")
	assert.Equal(t, "generated", w.Header().Get("x-correlation-id"))
}
