package middleware

import (
	"github.com/gin-gonic/gin"

	"shipsync/internal/core/id"
)

const HeaderRequestID = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID propagates or generates X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = id.New()
		}
		c.Set(requestIDKey, rid)
		c.Header(HeaderRequestID, rid)
		c.Next()
	}
}
