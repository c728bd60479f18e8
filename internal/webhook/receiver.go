package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/logger"
)

// 接收端单次回调的载荷上限
const receiverBodyLimit = 1 << 20

// Receiver 本地联调用的订阅端：校验签名后把事件写入日志
//
// cmd/webhook-receiver 以它为处理器，订阅方自己的实现可以照此调用 Verify。
type Receiver struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewReceiver 创建接收端，tolerance 为签名时间戳允许的偏差
func NewReceiver(secret string, tolerance time.Duration, log *zap.Logger) *Receiver {
	return &Receiver{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
		log:       logger.Component(log, "receiver"),
	}
}

// Handle 处理一次回调。签名无效返回 401，载荷无法解析返回 400，成功返回 204。
func (r *Receiver) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, receiverBodyLimit))
	if err != nil {
		c.AbortWithStatus(http.StatusRequestEntityTooLarge)
		return
	}

	if err := Verify(r.secret, c.GetHeader(HeaderSignature), body, r.tolerance, r.now()); err != nil {
		r.log.Warn("rejected webhook with invalid signature",
			zap.String("delivery_id", c.GetHeader(HeaderDeliveryID)),
			zap.Error(err),
		)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var evt domain.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		r.log.Warn("rejected webhook with malformed payload", zap.Error(err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if string(evt.Event) != c.GetHeader(HeaderEvent) {
		r.log.Warn("event header does not match payload",
			zap.String("header", c.GetHeader(HeaderEvent)),
			zap.String("payload", string(evt.Event)),
		)
	}

	r.log.Info("webhook received",
		zap.String("event_id", evt.ID),
		zap.String("event", string(evt.Event)),
		zap.String("delivery_id", c.GetHeader(HeaderDeliveryID)),
		zap.Int64("timestamp", evt.Timestamp),
		zap.Any("data", evt.Data),
	)
	c.Status(http.StatusNoContent)
}

