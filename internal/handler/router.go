package handler

import (
	"storycredits/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 积分相关
		credits := api.Group("/credits")
		{
			credits.POST("/use", h.UseCredits)
			credits.POST("/check", h.CheckCredits)
			credits.POST("/grant", h.GrantCredits)
			credits.GET("/balance", h.GetBalance)
			credits.GET("/transactions", h.ListTransactions)
		}

		// 管理接口（对账），需要管理员令牌
		admin := api.Group("/admin", AdminAuthMiddleware(cfg))
		{
			admin.POST("/credits/repair", h.RepairCredits)
			admin.GET("/outbox/failed", h.ListFailedEvents)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
