package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/logger"
	"mockmail/backend/internal/webhook"
)

// webhook-receiver 本地联调用的订阅端，校验签名并打印收到的事件
func main() {
	addr := flag.String("addr", ":9090", "监听地址")
	path := flag.String("path", "/webhook", "回调路径")
	secret := flag.String("secret", os.Getenv("MOCKMAIL_WEBHOOK_SECRET"), "Webhook 密钥 (whsec_...)")
	tolerance := flag.Duration("tolerance", 5*time.Minute, "签名时间戳允许的偏差，0 表示不校验")
	flag.Parse()

	if *secret == "" {
		fmt.Println("用法:")
		fmt.Println("  go run ./cmd/webhook-receiver -secret=whsec_... [-addr=:9090] [-path=/webhook]")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: "info", Development: true})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(*path, webhook.NewReceiver(*secret, *tolerance, log).Handle)

	log.Info("webhook receiver listening", zap.String("address", *addr), zap.String("path", *path))
	if err := r.Run(*addr); err != nil {
		log.Fatal("webhook receiver stopped", zap.Error(err))
	}
}
