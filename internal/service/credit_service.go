package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/cache"
	"storycredits/internal/model"
	"storycredits/internal/repository"
	"storycredits/pkg/idgen"
	"storycredits/pkg/retry"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// CreditService 积分账本服务
//
// 每个操作都是一个原子工作单元：在单个数据库事务里完成
// "读账户 -> 校验 -> 扣/入账 -> 追加一条流水 -> 写发件箱事件"。
// 瞬时失败（存储抖动、乐观锁冲突）由 pkg/retry 有界重试，
// 业务失败（余额不足、账户不存在、参数非法）用 retry.Terminal 标记，绝不重试。
type CreditService struct {
	db              *gorm.DB
	cfg             *config.Config
	retryCfg        retry.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	balanceCache    *cache.BalanceCache
}

func NewCreditService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *CreditService {
	return &CreditService{
		db:              db,
		cfg:             cfg,
		retryCfg:        retryConfigFrom(cfg),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		balanceCache:    cache.NewBalanceCache(redisClient),
	}
}

func retryConfigFrom(cfg *config.Config) retry.Config {
	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxRetries > 0 {
		retryCfg.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelayMs > 0 {
		retryCfg.BaseDelay = time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMs > 0 {
		retryCfg.MaxDelay = time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond
	}
	return retryCfg
}

// ============================================================
// 扣减积分
// ============================================================

type UseCreditsRequest struct {
	RequestID   string `json:"request_id"` // 幂等ID，客户端生成，可选
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	StoryID     string `json:"story_id"`
	Description string `json:"description"`
}

type UseCreditsResponse struct {
	TransactionNo string `json:"transaction_no"`
	Balance       int64  `json:"balance"`
	Message       string `json:"message,omitempty"`
}

// UseCredits 扣减积分（生成一个故事消耗一次）
//
// 【关键点】整个扣减是单个原子事务，需要保证：
// 1. 账户不存在直接报错，绝不隐式建零余额账户（那会把建户 bug 藏起来）
// 2. 余额不足时事务整体回滚，账户和流水一个字节都不能变
// 3. 并发扣减靠乐观锁版本号串行：输掉的一方条件 UPDATE 命中 0 行，
//    整个工作单元以冲突错误返回，由重试层带着新读到的余额重跑
func (s *CreditService) UseCredits(ctx context.Context, req *UseCreditsRequest) (*UseCreditsResponse, error) {
	if req.Amount <= 0 {
		return nil, newInvalidAmount(req.UserID, req.Amount)
	}

	// 幂等校验：客户端超时重发时返回原扣减结果，避免双重扣减
	if req.RequestID != "" {
		existing, err := s.transactionRepo.GetByRequestID(ctx, req.UserID, req.RequestID)
		if err != nil {
			return nil, newStoreUnavailable(req.UserID, req.Amount, err)
		}
		if existing != nil {
			return &UseCreditsResponse{
				TransactionNo: existing.TransactionNo,
				Balance:       existing.NewBalance,
				Message:       "重复请求，返回原扣减结果",
			}, nil
		}
	}

	var resp *UseCreditsResponse

	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			account, err := s.accountRepo.GetByUserID(ctx, tx, req.UserID)
			if err != nil {
				if errors.Is(err, repository.ErrAccountNotFound) {
					return retry.Terminal(newAccountNotFound(req.UserID))
				}
				return err
			}

			if account.Balance < req.Amount {
				return retry.Terminal(newInsufficientCredits(req.UserID, req.Amount))
			}

			if err := s.accountRepo.Deduct(ctx, tx, req.UserID, req.Amount, account.Version); err != nil {
				if errors.Is(err, repository.ErrInsufficientBalance) {
					return retry.Terminal(newInsufficientCredits(req.UserID, req.Amount))
				}
				if errors.Is(err, repository.ErrAccountNotFound) {
					return retry.Terminal(newAccountNotFound(req.UserID))
				}
				// 乐观锁冲突或底层错误，交给重试层重跑整个事务
				return err
			}

			description := req.Description
			if description == "" {
				description = fmt.Sprintf("生成故事-%s", req.StoryID)
			}

			trans := &model.CreditTransaction{
				TransactionNo:   idgen.GenerateTransactionNo(),
				UserID:          req.UserID,
				Amount:          -req.Amount,
				Type:            model.TransactionTypeUsage,
				Description:     description,
				StoryID:         req.StoryID,
				PreviousBalance: account.Balance,
				NewBalance:      account.Balance - req.Amount,
			}
			if req.RequestID != "" {
				requestID := req.RequestID
				trans.RequestID = &requestID
			}
			if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			if err := s.createOutboxEvent(ctx, tx, trans); err != nil {
				return fmt.Errorf("写入事件失败: %w", err)
			}

			resp = &UseCreditsResponse{
				TransactionNo: trans.TransactionNo,
				Balance:       trans.NewBalance,
			}
			return nil
		})
	})

	if err != nil {
		if creditErr, ok := AsCreditError(err); ok {
			return nil, creditErr
		}
		// 瞬时失败耗尽：不伪造余额数字，只报"存储不可用"
		return nil, newStoreUnavailable(req.UserID, req.Amount, err)
	}

	s.balanceCache.Invalidate(ctx, req.UserID)

	log.Printf("扣减积分成功: userID=%s, amount=%d, balance=%d, storyID=%s",
		req.UserID, req.Amount, resp.Balance, req.StoryID)

	return resp, nil
}

// ============================================================
// 入账积分
// ============================================================

type GrantCreditsRequest struct {
	RequestID   string `json:"request_id"` // 幂等ID，客户端生成，可选
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type" binding:"required"` // grant / refund / subscription / referral_bonus
	Description string `json:"description"`
}

type GrantCreditsResponse struct {
	TransactionNo string `json:"transaction_no"`
	Balance       int64  `json:"balance"`
	Message       string `json:"message,omitempty"`
}

// GrantCredits 入账积分
// 上游协作方（购买回调、邀请系统）通过这里产生 grant 类流水。
// 首次入账允许隐式建户（账户生命周期从第一笔 grant 开始）
func (s *CreditService) GrantCredits(ctx context.Context, req *GrantCreditsRequest) (*GrantCreditsResponse, error) {
	if req.Amount <= 0 {
		return nil, newInvalidAmount(req.UserID, req.Amount)
	}
	if !model.IsGrantType(req.Type) {
		return nil, newInvalidType(req.UserID, req.Type)
	}

	if req.RequestID != "" {
		existing, err := s.transactionRepo.GetByRequestID(ctx, req.UserID, req.RequestID)
		if err != nil {
			return nil, newStoreUnavailable(req.UserID, req.Amount, err)
		}
		if existing != nil {
			return &GrantCreditsResponse{
				TransactionNo: existing.TransactionNo,
				Balance:       existing.NewBalance,
				Message:       "重复请求，返回原入账结果",
			}, nil
		}
	}

	var resp *GrantCreditsResponse

	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			// 入账路径允许隐式建户；建户和入账同属一个工作单元，
			// 入账失败回滚时不留下空账户
			account, err := s.accountRepo.GetOrCreate(ctx, tx, req.UserID)
			if err != nil {
				return err
			}

			setFreeGranted := !account.FreeCreditsGranted
			setSubscription := req.Type == model.TransactionTypeSubscription

			if err := s.accountRepo.Credit(ctx, tx, req.UserID, req.Amount, account.Version, setFreeGranted, setSubscription); err != nil {
				return err
			}

			description := req.Description
			if description == "" {
				description = fmt.Sprintf("积分入账-%s", req.Type)
			}

			trans := &model.CreditTransaction{
				TransactionNo:   idgen.GenerateTransactionNo(),
				UserID:          req.UserID,
				Amount:          req.Amount,
				Type:            req.Type,
				Description:     description,
				PreviousBalance: account.Balance,
				NewBalance:      account.Balance + req.Amount,
			}
			if req.RequestID != "" {
				requestID := req.RequestID
				trans.RequestID = &requestID
			}
			if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			if err := s.createOutboxEvent(ctx, tx, trans); err != nil {
				return fmt.Errorf("写入事件失败: %w", err)
			}

			resp = &GrantCreditsResponse{
				TransactionNo: trans.TransactionNo,
				Balance:       trans.NewBalance,
			}
			return nil
		})
	})

	if err != nil {
		if creditErr, ok := AsCreditError(err); ok {
			return nil, creditErr
		}
		return nil, newStoreUnavailable(req.UserID, req.Amount, err)
	}

	s.balanceCache.Invalidate(ctx, req.UserID)

	log.Printf("入账积分成功: userID=%s, type=%s, amount=%d, balance=%d",
		req.UserID, req.Type, req.Amount, resp.Balance)

	return resp, nil
}

// ============================================================
// 查询
// ============================================================

type CheckCreditsResponse struct {
	Available bool  `json:"available"`
	Balance   int64 `json:"balance"`
}

// CheckCreditsAvailable 预检查积分是否足够
//
// 【注意】这只是给 UI 的提示，不预留也不加锁：检查通过后，
// 并发的另一次扣减完全可能先提交，真正的授权永远在 UseCredits 的事务里。
// 账户不存在按"余额 0、不可用"处理而不是报错——预检查路径上
// 没建户就等于没积分（与 UseCredits 的严格校验是有意的不对称）
func (s *CreditService) CheckCreditsAvailable(ctx context.Context, userID string, amount int64) (*CheckCreditsResponse, error) {
	if amount <= 0 {
		return nil, newInvalidAmount(userID, amount)
	}

	balance, cached, err := s.balanceCache.Get(ctx, userID)
	if err != nil {
		// 缓存故障降级为直接读库
		log.Printf("[CreditService] 读取余额缓存失败: userID=%s, err=%v", userID, err)
		cached = false
	}

	if !cached {
		account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				return &CheckCreditsResponse{Available: false, Balance: 0}, nil
			}
			return nil, newStoreUnavailable(userID, amount, err)
		}
		balance = account.Balance
		if err := s.balanceCache.Set(ctx, userID, balance); err != nil {
			log.Printf("[CreditService] 写入余额缓存失败: userID=%s, err=%v", userID, err)
		}
	}

	return &CheckCreditsResponse{
		Available: balance >= amount,
		Balance:   balance,
	}, nil
}

// GetAccount 查询账户。账户不存在返回 ACCOUNT_NOT_FOUND（不隐式建户）
func (s *CreditService) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, newAccountNotFound(userID)
		}
		return nil, newStoreUnavailable(userID, 0, err)
	}
	return account, nil
}

// ListTransactions 分页查询流水，时间倒序
func (s *CreditService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// createOutboxEvent 在同一事务中写入积分变动事件
func (s *CreditService) createOutboxEvent(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	msg, err := model.NewCreditEventMessage(s.cfg.Kafka.Topic.CreditEvents, trans)
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
