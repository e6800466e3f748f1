package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// OriginMatcher decides which browser origins may call the API with credentials.
// Entries are exact origins ("https://app.example.com"), wildcard subdomains
// ("*.example.com", matching any scheme) or "*".
type OriginMatcher struct {
	exact    map[string]bool
	suffixes []string
	wildcard bool
}

// NewOriginMatcher builds a matcher from configured entries.
func NewOriginMatcher(allowedOrigins []string) *OriginMatcher {
	m := &OriginMatcher{wildcard: lo.Contains(allowedOrigins, "*")}
	m.exact = lo.SliceToMap(lo.Filter(allowedOrigins, func(o string, _ int) bool {
		if strings.HasPrefix(o, "*.") {
			m.suffixes = append(m.suffixes, strings.ToLower(o[1:]))
			return false
		}
		return o != "*"
	}), func(o string) (string, bool) { return o, true })
	return m
}

// Allow reports whether origin is allowed. An empty origin never is.
func (m *OriginMatcher) Allow(origin string) bool {
	if origin == "" {
		return false
	}
	return m.wildcard || m.exact[origin] || m.matchesSuffix(origin)
}

func (m *OriginMatcher) matchesSuffix(origin string) bool {
	if len(m.suffixes) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return lo.SomeBy(m.suffixes, func(s string) bool { return strings.HasSuffix(host, s) })
}

// CORS returns a middleware for cross-origin calls from tenant front ends. Matching origins are
// echoed back with credentials allowed so the session cookie travels with the request.
func CORS(origins *OriginMatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origins.Allow(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
