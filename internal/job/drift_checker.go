package job

import (
	"context"
	"log"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/repository"

	"gorm.io/gorm"
)

// DriftChecker 余额守恒巡检任务
//
// 周期性扫描全部账户，核对 balance == Σ(流水 amount)。
// 发现偏离只告警不自动修——对账覆写账户是高危操作，必须由管理员
// 显式调用对账接口触发，巡检的职责是让问题尽早浮出水面
type DriftChecker struct {
	db              *gorm.DB
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	cfg             *config.Config
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewDriftChecker(db *gorm.DB, cfg *config.Config) *DriftChecker {
	interval := 5 * time.Minute
	if cfg.Credits.DriftCheckIntervalSeconds > 0 {
		interval = time.Duration(cfg.Credits.DriftCheckIntervalSeconds) * time.Second
	}
	return &DriftChecker{
		db:              db,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		cfg:             cfg,
		stopCh:          make(chan struct{}),
		interval:        interval,
		batchSize:       200,
	}
}

func (j *DriftChecker) Start(ctx context.Context) {
	log.Println("[DriftChecker] 余额守恒巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DriftChecker] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[DriftChecker] 任务停止")
			return
		case <-ticker.C:
			j.checkAllAccounts(ctx)
		}
	}
}

func (j *DriftChecker) Stop() {
	close(j.stopCh)
}

func (j *DriftChecker) checkAllAccounts(ctx context.Context) {
	var lastID int64
	checked := 0
	drifted := 0

	for {
		accounts, err := j.accountRepo.ListAfterID(ctx, lastID, j.batchSize)
		if err != nil {
			log.Printf("[DriftChecker] 扫描账户失败: %v", err)
			return
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			lastID = account.ID
			checked++

			sum, err := j.transactionRepo.SumAmountByUserID(ctx, account.UserID)
			if err != nil {
				log.Printf("[DriftChecker] 核对流水失败: userID=%s, err=%v", account.UserID, err)
				continue
			}

			// 巡检与在线写入之间没有互斥，账户在读余额和算流水之间被改动会产生
			// 假阳性，所以这里只告警；真要修复得走带锁带事务的对账接口
			if account.Balance != sum {
				drifted++
				log.Printf("[DriftChecker] 余额守恒被破坏: userID=%s, balance=%d, 流水合计=%d, 差值=%d",
					account.UserID, account.Balance, sum, account.Balance-sum)
			}
		}

		if len(accounts) < j.batchSize {
			break
		}
	}

	if drifted > 0 {
		log.Printf("[DriftChecker] 本轮巡检 %d 个账户，发现 %d 个余额偏离", checked, drifted)
	}
}
