package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradehook/internal/queue"
	"tradehook/internal/signal"
	"tradehook/internal/webhook"
)

// handleWebhook is the public ingress. It answers as soon as the signal is
// validated and queued; execution happens asynchronously.
func (s *Server) handleWebhook(c *gin.Context) {
	start := time.Now()
	userID := c.Param("userID")
	token := c.Param("token")

	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		s.Metrics.SignalRejected()
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "invalid JSON payload",
		})
		return
	}

	jobID, err := s.Webhooks.Submit(c.Request.Context(), userID, token, &sig)
	if err != nil {
		s.Metrics.SignalRejected()
		status, code := webhookErrorStatus(err)
		c.JSON(status, gin.H{
			"success": false,
			"code":    code,
			"message": err.Error(),
		})
		return
	}

	elapsed := time.Since(start)
	s.Metrics.SignalAccepted(elapsed)
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Webhook received",
		"jobId":        jobID,
		"responseTime": fmt.Sprintf("%dms", elapsed.Milliseconds()),
	})
}

func webhookErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, webhook.ErrInvalidWebhook):
		return http.StatusNotFound, "INVALID_WEBHOOK"
	case errors.Is(err, webhook.ErrWebhookDisabled):
		return http.StatusForbidden, "WEBHOOK_DISABLED"
	case errors.Is(err, webhook.ErrAccountInactive):
		return http.StatusForbidden, "ACCOUNT_INACTIVE"
	case errors.Is(err, webhook.ErrBotDisabled):
		return http.StatusForbidden, "BOT_DISABLED"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, "QUEUE_FULL"
	default:
		return http.StatusBadRequest, "INVALID_SIGNAL"
	}
}

// getWebhookConfig returns the caller's webhook, creating one on first call.
func (s *Server) getWebhookConfig(c *gin.Context) {
	hook, err := s.Webhooks.Config(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             hook.ID,
		"url":            s.Webhooks.URL(hook),
		"token":          hook.Token,
		"is_active":      hook.IsActive,
		"total_triggers": hook.TotalTriggers,
		"last_triggered": hook.LastTriggered,
	})
}

// generateWebhook ensures the caller has a webhook and returns it. Calling it
// again returns the existing webhook unchanged; rotation goes through
// regenerateWebhook.
func (s *Server) generateWebhook(c *gin.Context) {
	hook, err := s.Webhooks.Config(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        hook.ID,
		"url":       s.Webhooks.URL(hook),
		"token":     hook.Token,
		"is_active": hook.IsActive,
	})
}

// regenerateWebhook rotates the caller's token.
func (s *Server) regenerateWebhook(c *gin.Context) {
	hook, err := s.Webhooks.Regenerate(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":   s.Webhooks.URL(hook),
		"token": hook.Token,
	})
}

// toggleWebhook switches the caller's webhook on or off.
func (s *Server) toggleWebhook(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active flag is required"})
		return
	}
	if err := s.Webhooks.SetActive(c.Request.Context(), CurrentUserID(c), *req.Active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_active": *req.Active})
}

// getWebhookLogs returns a page of the caller's job records.
func (s *Server) getWebhookLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit > 100 {
		limit = 100
	}

	logs, total, err := s.Webhooks.Logs(c.Request.Context(), CurrentUserID(c), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	totalPages := total / int64(limit)
	if total%int64(limit) != 0 {
		totalPages++
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
		"pagination": gin.H{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

// getMetrics returns a pipeline metrics snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Queue != nil {
		s.Metrics.SetQueueStats(s.Queue.Metrics(), s.Queue.Len(), s.Queue.Cap())
	}
	if s.Adapters != nil {
		s.Metrics.SetAdapterStats(s.Adapters.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.Queue != nil {
		resp["queue_depth"] = s.Queue.Len()
	}
	c.JSON(http.StatusOK, resp)
}
