package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"exec-engine/internal/monitor"
	"exec-engine/internal/signal"
)

// webhook takes one TradingView-style alert, dispatches it to every bound
// account and answers with per-account results. Full success is 200, any
// per-account failure turns the response into 207 so callers see partial
// dispatch without parsing the body.
func (s *Server) webhook(c *gin.Context) {
	if s.deps.Stats != nil {
		defer monitor.NewTimer(s.deps.Stats.WebhookLatency).Stop()
	}

	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	out, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, signal.ErrInvalidSignal):
			respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		case errors.Is(err, signal.ErrBadToken):
			respondError(c, http.StatusUnauthorized, "BAD_TOKEN", "webhook token mismatch")
		case errors.Is(err, signal.ErrUnknownStrategy):
			respondError(c, http.StatusNotFound, "UNKNOWN_STRATEGY", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "DISPATCH_ERROR", err.Error())
		}
		return
	}

	status := http.StatusOK
	if !out.OK() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"success":    out.OK(),
		"group_name": out.GroupName,
		"results":    out.Accounts,
		"toasts":     out.Toasts,
		"summary": gin.H{
			"total":      out.Total,
			"successful": out.Successful,
			"failed":     out.Failed,
		},
	})
}
