package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/cache"
	"storycredits/internal/infrastructure/lock"
	"storycredits/internal/repository"
	"storycredits/pkg/idgen"
	"storycredits/pkg/retry"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// RepairService 对账服务
//
// 余额的唯一真相是流水：balance == Σ(amount)。
// 账户字段因历史 bug 或脏写偏离这个等式时，对账用流水回放重建账户。
// 流水里的余额快照（previous/new_balance）只是排查辅助，回放时绝不信任
type RepairService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	retryCfg        retry.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	balanceCache    *cache.BalanceCache
}

func NewRepairService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *RepairService {
	return &RepairService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		retryCfg:        retryConfigFrom(cfg),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		balanceCache:    cache.NewBalanceCache(redisClient),
	}
}

type RepairResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	Balance          int64  `json:"balance"`
	LifetimeUsed     int64  `json:"lifetime_used"`
	TransactionCount int    `json:"transaction_count"`
}

// RepairUserCredits 对账：回放用户全部流水，重建账户余额字段
//
// 【关键点】
// 1. 按用户加分布式锁，同一用户的对账串行化
// 2. 读流水 + 覆写账户在单个事务里完成，期间插入的新流水会触发
//    乐观锁冲突，整个工作单元重跑
// 3. 对账只覆写 balance / lifetime_used / free_credits_granted，
//    subscription_active 归订阅回调所有，不碰
// 4. 对账不追加流水——它是在重放已有历史，不是新的资金事件
// 5. 幂等：没有新流水时重复执行得到完全相同的账户状态
func (s *RepairService) RepairUserCredits(ctx context.Context, userID string) (*RepairResult, error) {
	repairLock := lock.NewRepairLock(s.redisClient, userID, idgen.GenerateRepairToken())
	if err := repairLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer repairLock.Unlock(ctx)

	var result *RepairResult

	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			account, err := s.accountRepo.GetByUserID(ctx, tx, userID)
			if err != nil {
				if errors.Is(err, repository.ErrAccountNotFound) {
					return retry.Terminal(newAccountNotFound(userID))
				}
				return err
			}

			transactions, err := s.transactionRepo.ListAllByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}

			var balance, lifetimeUsed int64
			for _, trans := range transactions {
				balance += trans.Amount
				if trans.Amount < 0 {
					lifetimeUsed += -trans.Amount
				}
			}

			message := "对账完成"
			if balance < 0 {
				// 流水合计为负说明历史上存在真实的记账 bug。
				// 不能把负余额落库，但也不能无声地吞掉——大声报出来，留给人工裁决
				log.Printf("[Repair] 警告: userID=%s 流水合计为负数(%d)，余额截断为0，需人工核查", userID, balance)
				message = fmt.Sprintf("流水合计为负数(%d)，余额已截断为0，需人工核查", balance)
				balance = 0
			}

			freeCreditsGranted := balance > 0

			if err := s.accountRepo.OverwriteForRepair(ctx, tx, userID, balance, lifetimeUsed, freeCreditsGranted, account.Version); err != nil {
				return err
			}

			result = &RepairResult{
				Success:          true,
				Message:          message,
				Balance:          balance,
				LifetimeUsed:     lifetimeUsed,
				TransactionCount: len(transactions),
			}
			return nil
		})
	})

	if err != nil {
		if creditErr, ok := AsCreditError(err); ok {
			return nil, creditErr
		}
		return nil, newStoreUnavailable(userID, 0, err)
	}

	s.balanceCache.Invalidate(ctx, userID)

	log.Printf("对账成功: userID=%s, balance=%d, lifetimeUsed=%d, transactions=%d",
		userID, result.Balance, result.LifetimeUsed, result.TransactionCount)

	return result, nil
}
