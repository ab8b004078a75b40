package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/replyflow/engagement/pkg/response"
)

// HeaderIngestToken carries the shared secret of the detection service.
const HeaderIngestToken = "X-Ingest-Token"

// IngestToken admits requests presenting the configured shared token. An empty token
// disables the endpoint.
func IngestToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderIngestToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Unauthorized(c, "invalid ingest token")
			c.Abort()
			return
		}
		c.Next()
	}
}
