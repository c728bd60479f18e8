package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"mockmail/backend/internal/middleware"
)

// ========== Message Handlers ==========

// latestMessage 返回邮箱中最新的一封邮件，可用 from 限定发件人。
// 调用方通常只关心其中的 token 字段。
func (h *Handler) latestMessage(c *gin.Context) {
	message, err := h.messages.Latest(c.Request.Context(), middleware.AccountID(c), c.Param("address"), c.Query("from"))
	if err != nil {
		h.fail(c, "get latest message", err)
		return
	}
	Success(c, gin.H{"email": message})
}

// latestMessageBySubject 按主题子串返回最新一封邮件
func (h *Handler) latestMessageBySubject(c *gin.Context) {
	message, err := h.messages.LatestBySubject(c.Request.Context(), middleware.AccountID(c),
		c.Param("address"), c.Param("subject"), c.Query("from"))
	if err != nil {
		h.fail(c, "get latest message by subject", err)
		return
	}
	Success(c, gin.H{"email": message})
}

// listMessages 分页列出邮件，box 参数限定邮箱
func (h *Handler) listMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.messages.List(c.Request.Context(), middleware.AccountID(c), c.Query("box"), page, limit)
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	Success(c, result)
}

func (h *Handler) getMessage(c *gin.Context) {
	message, err := h.messages.Get(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "get message", err)
		return
	}
	Success(c, message)
}

// getMessageThread 列出邮件所在会话
func (h *Handler) getMessageThread(c *gin.Context) {
	thread, err := h.messages.Thread(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "get message thread", err)
		return
	}
	Success(c, thread)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), middleware.AccountID(c), c.Param("id")); err != nil {
		h.fail(c, "delete message", err)
		return
	}
	NoContent(c)
}
