package httptransport

import (
	"errors"
	"net/http"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/service"
	"mockmail/backend/internal/tracking"
)

// 业务错误到 HTTP 状态与提示信息的映射
var errorMappings = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrWebhookNotFound, http.StatusNotFound, "Webhook 不存在"},
	{domain.ErrMessageNotFound, http.StatusNotFound, "邮件不存在"},
	{domain.ErrMailboxNotFound, http.StatusNotFound, "邮箱不存在"},
	{service.ErrInvalidWebhookURL, http.StatusBadRequest, "Webhook 地址必须是 http 或 https 绝对地址"},
	{service.ErrInvalidWebhookEvent, http.StatusBadRequest, "不支持的事件类型"},
	{service.ErrNoWebhookEvents, http.StatusBadRequest, "至少订阅一个事件"},
	{service.ErrInvalidStatus, http.StatusBadRequest, "状态只能是 active 或 paused"},
	{service.ErrMissingAddress, http.StatusBadRequest, "缺少邮箱地址"},
	{service.ErrMissingSubject, http.StatusBadRequest, "缺少邮件主题"},
	{tracking.ErrUnknownLink, http.StatusBadRequest, "链接不属于该邮件"},
}

// resolveError 返回错误对应的状态码与提示，未知错误按 500 处理
func resolveError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInternalError  = "服务器内部错误，请稍后重试"

	MsgMailUnresolved   = "无法确定收件邮箱的归属账户"
	MsgMailQuota        = "已超出每日接收上限"
	MsgMailInvalidTo    = "收件地址格式无效"
	MsgMailStored       = "邮件处理成功"
	MsgMailDuplicate    = "邮件已存在"
	MsgWebhookListError = "获取 Webhook 列表失败"
)
