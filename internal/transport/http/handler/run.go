package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hookq/hookq/internal/dispatch"
	"github.com/hookq/hookq/internal/worker"
)

const (
	// SecretHeader carries the shared secret for the alternate scheme.
	SecretHeader = "X-Action-Secret"

	invalidKeyBody = "Invalid Key"
)

// RunHandler is the worker entry point. Two auth schemes are supported:
// an HMAC-of-time key in the query string (GET /actions/run) and a
// shared-secret header (POST /queue/work). A deployment picks one.
type RunHandler struct {
	worker       *worker.Worker
	actionKey    string
	actionSecret string
	logger       *slog.Logger
	now          func() time.Time
}

func NewRunHandler(w *worker.Worker, actionKey, actionSecret string, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		worker:       w,
		actionKey:    actionKey,
		actionSecret: actionSecret,
		logger:       logger.With("component", "run_handler"),
		now:          time.Now,
	}
}

// Run handles GET /actions/run?key=<hmac>.
func (h *RunHandler) Run(c *gin.Context) {
	if !dispatch.VerifySpawnKey(h.actionKey, c.Query("key"), h.now()) {
		c.String(http.StatusForbidden, invalidKeyBody)
		return
	}
	h.runBatches(c)
}

// Work handles POST /queue/work with the X-Action-Secret header.
func (h *RunHandler) Work(c *gin.Context) {
	if !dispatch.VerifySecret(h.actionSecret, c.GetHeader(SecretHeader)) {
		c.String(http.StatusForbidden, invalidKeyBody)
		return
	}
	h.runBatches(c)
}

func (h *RunHandler) runBatches(c *gin.Context) {
	// The spawn request is fire-and-forget and its client has usually
	// timed out already; detach from the request's cancellation so the
	// batch loop outlives the connection.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.worker.Run(ctx); err != nil {
		h.logger.Error("worker run", "error", err)
		c.String(http.StatusInternalServerError, "worker error")
		return
	}
	c.String(http.StatusOK, "OK")
}
