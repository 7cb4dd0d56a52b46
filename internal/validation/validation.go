// Package validation checks request fields and URL parameters on the
// scoring API before they reach a session.
package validation

import (
	"math"
	"net/http"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies; event batches are the largest.
const MaxRequestSize = 1 << 20

var (
	sessionIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	countryRegex   = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID reports whether id has the UUID shape sessions use.
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidIP accepts IPv4 and IPv6 literals, including zoned addresses.
func IsValidIP(ip string) bool {
	_, err := netip.ParseAddr(ip)
	return err == nil
}

// SanitizeString trims s, strips NUL bytes and truncates to maxLen bytes
// without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned to the client as the "fields" list.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it is acceptable.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ValidIP checks an optional IP address field.
func ValidIP(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsValidIP(value) {
			return fail(field, "must be a valid IP address")
		}
		return nil
	}
}

// ValidCountry checks an optional ISO 3166-1 alpha-2 code.
func ValidCountry(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !countryRegex.MatchString(value) {
			return fail(field, "must be a two-letter country code")
		}
		return nil
	}
}

// UnitInterval checks that a score lies in [0, 1].
func UnitInterval(field string, value float64) Rule {
	return func() *ValidationError {
		if math.IsNaN(value) || value < 0 || value > 1 {
			return fail(field, "must be between 0 and 1")
		}
		return nil
	}
}

// NonNegative checks that a count is not negative.
func NonNegative(field string, value int) Rule {
	return func() *ValidationError {
		if value < 0 {
			return fail(field, "must not be negative")
		}
		return nil
	}
}

// MaxLength checks a string field's byte length.
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length of "+strconv.Itoa(max))
		}
		return nil
	}
}

// MaxItems caps the size of a list or map field.
func MaxItems(field string, n, max int) Rule {
	return func() *ValidationError {
		if n > max {
			return fail(field, "at most "+strconv.Itoa(max)+" entries allowed")
		}
		return nil
	}
}

// Rates checks a map of per-second behaviour rates: every value must be a
// finite, non-negative number. Failures name the offending key.
func Rates(field string, rates map[string]float64) Rule {
	return func() *ValidationError {
		for k, v := range rates {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fail(field+"."+k, "must be a non-negative number")
			}
		}
		return nil
	}
}

// SessionParamMiddleware rejects malformed :id parameters before the
// session lookup.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must be a UUID",
			})
			return
		}
		c.Next()
	}
}
