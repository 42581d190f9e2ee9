package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/hookq/hookq/internal/dispatch"
)

// RequestEnd signals the dispatcher once the handler chain has written
// its response: buffered jobs are flushed and, if deferred work exists,
// a throttled worker spawn goes out. The context is detached from the
// request so the spawn is not cut off when the connection closes.
func RequestEnd(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		d.Shutdown(context.WithoutCancel(c.Request.Context()))
	}
}
