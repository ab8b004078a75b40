package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Authorization", HeaderIdempotencyKey, HeaderDeviceType}, ", ")
	corsExposeHeaders = HeaderIdempotentReplay
)

// CORS sets cross-origin headers for the dashboard. allowedOrigins is "*" or a comma-separated
// list; an empty value allows any origin. Specific origins are echoed with credentials allowed,
// and a preflight from an origin not on the list is refused.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := parseOrigins(allowedOrigins)
	wildcard := len(origins) == 0 || origins["*"]
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !wildcard {
			c.Writer.Header().Add("Vary", "Origin")
		}

		allowed := origin != "" && (wildcard || origins[origin])
		if allowed {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
		}

		if preflight {
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseOrigins(s string) map[string]bool {
	m := make(map[string]bool)
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			m[o] = true
		}
	}
	return m
}
