// Package middleware provides gin middleware for the ops HTTP surface.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"shipsync/internal/core/apperror"
	"shipsync/pkg/logger"
)

// Recovery turns a handler panic into a 500 without exposing the panic value.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", r,
					"stack", string(debug.Stack()),
				)
				_ = c.Error(apperror.NewInternal(fmt.Errorf("panic: %v", r)))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":       apperror.CodeInternal,
					"message":    "Internal server error",
					"request_id": c.GetString(requestIDKey),
				})
			}
		}()
		c.Next()
	}
}
