package handler

import (
	"strconv"

	"storycredits/internal/config"
	"storycredits/internal/repository"
	"storycredits/internal/service"
	"storycredits/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	creditService *service.CreditService
	repairService *service.RepairService
	outboxRepo    *repository.OutboxRepository
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		creditService: service.NewCreditService(db, rdb, cfg),
		repairService: service.NewRepairService(db, rdb, cfg),
		outboxRepo:    repository.NewOutboxRepository(db),
	}
}

// writeCreditError 把服务层错误映射为响应码
// STORE_UNAVAILABLE 的响应不带 balance 字段——"不知道余额"不能伪装成某个数字
func writeCreditError(c *gin.Context, err error) {
	if creditErr, ok := service.AsCreditError(err); ok {
		switch creditErr.Code {
		case service.ErrCodeAccountNotFound:
			response.BusinessError(c, response.CodeAccountNotFound, creditErr.Message)
		case service.ErrCodeInsufficientCredits:
			response.BusinessError(c, response.CodeInsufficientCredits, creditErr.Message)
		case service.ErrCodeInvalidAmount:
			response.BusinessError(c, response.CodeInvalidAmount, creditErr.Message)
		case service.ErrCodeInvalidType:
			response.BusinessError(c, response.CodeInvalidType, creditErr.Message)
		case service.ErrCodeStoreUnavailable:
			response.BusinessError(c, response.CodeStoreUnavailable, creditErr.Message)
		default:
			response.ServerError(c, creditErr.Message)
		}
		return
	}
	response.ServerError(c, err.Error())
}

// ============================================================
// 积分相关接口
// ============================================================

// UseCreditsRequest 扣减请求
type UseCreditsRequest struct {
	RequestID   string `json:"request_id"`                     // 幂等ID，客户端生成
	UserID      string `json:"user_id" binding:"required"`     // 用户ID（上游认证层已校验）
	Amount      int64  `json:"amount" binding:"required,gt=0"` // 扣减积分数
	StoryID     string `json:"story_id"`                       // 关联的故事生成请求
	Description string `json:"description"`
}

// UseCredits 扣减积分
// POST /api/v1/credits/use
//
// 【关键点】扣减是整个系统最核心的操作，需要保证：
// 1. 原子性：余额扣减、流水记录、事件写入必须同时成功或同时失败
// 2. 不超扣：任意并发交错下余额都不会变成负数
// 3. 幂等性：相同的 request_id 只会扣减一次
func (h *Handler) UseCredits(c *gin.Context) {
	var req UseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.UseCredits(c.Request.Context(), &service.UseCreditsRequest{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		StoryID:     req.StoryID,
		Description: req.Description,
	})
	if err != nil {
		writeCreditError(c, err)
		return
	}

	response.Success(c, result)
}

// CheckCreditsRequest 预检查请求
type CheckCreditsRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// CheckCredits 预检查积分是否足够（仅供 UI 提示，不做预留）
// POST /api/v1/credits/check
func (h *Handler) CheckCredits(c *gin.Context) {
	var req CheckCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.CheckCreditsAvailable(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		writeCreditError(c, err)
		return
	}

	response.Success(c, result)
}

// GrantCreditsRequest 入账请求（购买回调、邀请奖励等上游协作方调用）
type GrantCreditsRequest struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description"`
}

// GrantCredits 入账积分
// POST /api/v1/credits/grant
func (h *Handler) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.GrantCredits(c.Request.Context(), &service.GrantCreditsRequest{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		writeCreditError(c, err)
		return
	}

	response.Success(c, result)
}

// GetBalance 查询账户余额
// GET /api/v1/credits/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	account, err := h.creditService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		writeCreditError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":              account.UserID,
		"balance":              account.Balance,
		"lifetime_used":        account.LifetimeUsed,
		"subscription_active":  account.SubscriptionActive,
		"free_credits_granted": account.FreeCreditsGranted,
	})
}

// ListTransactions 查询用户流水列表
// GET /api/v1/credits/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.creditService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 管理接口
// ============================================================

// RepairCreditsRequest 对账请求
type RepairCreditsRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// RepairCredits 对账：用流水回放重建账户余额
// POST /api/v1/admin/credits/repair
//
// 【注意】该接口必须挂在 AdminAuthMiddleware 之后，普通用户不可调用
func (h *Handler) RepairCredits(c *gin.Context) {
	var req RepairCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.repairService.RepairUserCredits(c.Request.Context(), req.UserID)
	if err != nil {
		if _, ok := service.AsCreditError(err); ok {
			writeCreditError(c, err)
			return
		}
		response.BusinessError(c, response.CodeRepairFailed, err.Error())
		return
	}

	response.Success(c, result)
}

// ListFailedEvents 查询投递失败的积分事件（超过最大重试次数的死信）
// GET /api/v1/admin/outbox/failed?limit=50
func (h *Handler) ListFailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	messages, err := h.outboxRepo.GetFailedMessages(c.Request.Context(), limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  messages,
		"count": len(messages),
	})
}
