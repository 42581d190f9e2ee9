package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/hookq/hookq/internal/dispatch"
	"github.com/hookq/hookq/internal/health"
	"github.com/hookq/hookq/internal/transport/http/handler"
	"github.com/hookq/hookq/internal/transport/http/middleware"
)

func NewRouter(logger *slog.Logger, runHandler *handler.RunHandler, checker *health.Checker, dispatcher *dispatch.Dispatcher) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())
	if dispatcher != nil {
		r.Use(middleware.RequestEnd(dispatcher))
	}

	// Worker entry points, one per auth scheme
	r.GET("/actions/run", runHandler.Run)
	r.POST("/queue/work", runHandler.Work)

	r.GET("/livez", func(c *gin.Context) {
		c.JSON(http.StatusOK, checker.Liveness(c.Request.Context()))
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})

	return r
}
