// Package auth guards operator routes (blacklist edits) with shared admin
// secrets.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret on admin requests. A bearer
// Authorization header is accepted too.
const HeaderAdminSecret = "X-Admin-Secret"

// ParseSecrets splits a comma-separated ADMIN_SECRET value. Listing the new
// secret first and the old one second rotates without downtime.
func ParseSecrets(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Presented returns the secret the caller sent, or "".
func Presented(r *http.Request) string {
	if s := r.Header.Get(HeaderAdminSecret); s != "" {
		return s
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Matches reports whether candidate equals any of secrets. Values are hashed
// first so the comparison time does not depend on their lengths.
func Matches(secrets []string, candidate string) bool {
	sum := sha256.Sum256([]byte(candidate))
	found := 0
	for _, s := range secrets {
		want := sha256.Sum256([]byte(s))
		found |= subtle.ConstantTimeCompare(want[:], sum[:])
	}
	return found == 1
}

// RequireAdmin rejects requests that do not present one of secrets. With no
// secrets the check is off; config refuses that in production.
func RequireAdmin(secrets []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secrets) == 0 {
			c.Next()
			return
		}

		got := Presented(c.Request)
		switch {
		case got == "":
			c.Header("WWW-Authenticate", `Bearer realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Send X-Admin-Secret or a bearer token.",
			})
		case !Matches(secrets, got):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
		default:
			c.Next()
		}
	}
}
