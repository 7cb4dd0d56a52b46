package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func adminRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/admin/blacklist/:list", RequireAdmin(ParseSecrets(secret)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		headers map[string]string
		want    int
	}{
		{"no secret configured", "", nil, http.StatusOK},
		{"header", "s3cret", map[string]string{HeaderAdminSecret: "s3cret"}, http.StatusOK},
		{"bearer", "s3cret", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"bearer lowercase scheme", "s3cret", map[string]string{"Authorization": "bearer s3cret"}, http.StatusOK},
		{"previous secret during rotation", "new-one, old-one", map[string]string{HeaderAdminSecret: "old-one"}, http.StatusOK},
		{"wrong secret", "s3cret", map[string]string{HeaderAdminSecret: "nope"}, http.StatusForbidden},
		{"basic auth is not a bearer", "s3cret", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"missing", "s3cret", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/blacklist/ips", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			adminRouter(tt.secret).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestParseSecrets(t *testing.T) {
	assert.Nil(t, ParseSecrets(""))
	assert.Nil(t, ParseSecrets(" , "))
	assert.Equal(t, []string{"a", "b"}, ParseSecrets(" a,,b "))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches([]string{"abc"}, "abc"))
	assert.False(t, Matches([]string{"abc"}, "abcd"))
	assert.True(t, Matches([]string{"x", "abc"}, "abc"))
	assert.False(t, Matches(nil, ""))
}
