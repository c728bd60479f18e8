package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/pipeline"
	"mockmail/backend/internal/tracking"
)

// Intaker 程序化接入
type Intaker interface {
	Intake(ctx context.Context, req pipeline.IntakeRequest) (*pipeline.Result, error)
}

// Tracker 打开/点击追踪
type Tracker interface {
	RecordOpen(ctx context.Context, id string) (*domain.Message, error)
	RecordClick(ctx context.Context, id, target string) (string, error)
}

// 1x1 透明 GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// processMail 程序化接入一封已解码的邮件
//
// 201 新邮件入库，200 重复投递，422 无法归属，429 超出配额，400 请求无效。
func (h *Handler) processMail(c *gin.Context) {
	var req pipeline.IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.intake.Intake(c.Request.Context(), req)
	if err != nil {
		h.log.Error("intake failed", zap.String("to", req.To), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	switch res.Outcome {
	case pipeline.OutcomeStored:
		CreatedWithMsg(c, MsgMailStored, gin.H{"email": res.Message})
	case pipeline.OutcomeDuplicate:
		SuccessWithMsg(c, MsgMailDuplicate, gin.H{"email": res.Message})
	case pipeline.OutcomeUnresolved:
		UnprocessableEntity(c, MsgMailUnresolved)
	case pipeline.OutcomeRejected:
		TooManyRequests(c, MsgMailQuota)
	default:
		BadRequest(c, MsgMailInvalidTo)
	}
}

// trackOpen 返回追踪像素。未知邮件同样返回像素，不暴露邮件是否存在。
func (h *Handler) trackOpen(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.tracker.RecordOpen(c.Request.Context(), id); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		h.log.Warn("failed to record open", zap.String("message_id", id), zap.Error(err))
	}

	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}

// trackClick 记录点击并重定向到原始链接
func (h *Handler) trackClick(c *gin.Context) {
	id := c.Param("id")
	target, err := h.tracker.RecordClick(c.Request.Context(), id, c.Query("url"))
	if err != nil {
		status, msg := resolveError(err)
		if status == http.StatusInternalServerError {
			h.log.Error("failed to record click", zap.String("message_id", id), zap.Error(err))
		}
		Error(c, status, msg)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, target)
}

var _ Tracker = (*tracking.Service)(nil)
