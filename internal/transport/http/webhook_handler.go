package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/middleware"
	"mockmail/backend/internal/service"
)

// ========== Webhook Handlers ==========

// createWebhook 创建 Webhook。密钥只在创建时返回一次。
func (h *Handler) createWebhook(c *gin.Context) {
	var input service.CreateWebhookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	input.OwnerID = middleware.AccountID(c)

	hook, err := h.webhooks.CreateWebhook(c.Request.Context(), input)
	if err != nil {
		h.fail(c, "create webhook", err)
		return
	}

	Created(c, gin.H{
		"webhook": hook,
		"secret":  hook.Secret,
	})
}

// listWebhooks 列出当前账户的 Webhooks
func (h *Handler) listWebhooks(c *gin.Context) {
	hooks, err := h.webhooks.ListWebhooks(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.log.Error("list webhooks failed", zap.Error(err))
		InternalError(c, MsgWebhookListError)
		return
	}
	Success(c, hooks)
}

func (h *Handler) getWebhook(c *gin.Context) {
	hook, err := h.webhooks.GetWebhook(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "get webhook", err)
		return
	}
	Success(c, hook)
}

// updateWebhook 更新 Webhook，status 设为 active 可恢复 failed 状态
func (h *Handler) updateWebhook(c *gin.Context) {
	var input service.UpdateWebhookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	hook, err := h.webhooks.UpdateWebhook(c.Request.Context(), middleware.AccountID(c), c.Param("id"), input)
	if err != nil {
		h.fail(c, "update webhook", err)
		return
	}
	Success(c, hook)
}

func (h *Handler) deleteWebhook(c *gin.Context) {
	if err := h.webhooks.DeleteWebhook(c.Request.Context(), middleware.AccountID(c), c.Param("id")); err != nil {
		h.fail(c, "delete webhook", err)
		return
	}
	NoContent(c)
}

// testWebhook 发送 test 事件，结果直接返回，不写投递记录
func (h *Handler) testWebhook(c *gin.Context) {
	res, err := h.webhooks.TestWebhook(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "test webhook", err)
		return
	}
	Success(c, res)
}

// getWebhookDeliveries 投递记录，?limit= 默认 20，最大 100
func (h *Handler) getWebhookDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	deliveries, err := h.webhooks.GetDeliveries(c.Request.Context(), middleware.AccountID(c), c.Param("id"), limit)
	if err != nil {
		h.fail(c, "list deliveries", err)
		return
	}
	Success(c, deliveries)
}

func (h *Handler) getWebhookStats(c *gin.Context) {
	stats, err := h.webhooks.GetStats(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "webhook stats", err)
		return
	}
	Success(c, stats)
}

// fail 按错误类型写响应，未知错误记录日志
func (h *Handler) fail(c *gin.Context, op string, err error) {
	status, msg := resolveError(err)
	if status >= 500 {
		h.log.Error(op+" failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else if status == 400 {
		msg = msg + ": " + err.Error()
	}
	Error(c, status, msg)
}
