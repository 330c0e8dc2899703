package repository

import (
	"context"
	"errors"

	"storycredits/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("账户不存在")
	ErrInsufficientBalance = errors.New("积分余额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.CreditAccount) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.CreditAccount, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.CreditAccount
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 扣减积分（带余额校验和乐观锁）
//
// 【关键点】通过条件 UPDATE 一次完成"校验 + 扣减"：
//
//	WHERE balance >= amount AND version = ?
//
// 影响行数为 0 时回查账户，区分三种失败：
//   - 账户不存在      -> ErrAccountNotFound（业务错误，不可重试）
//   - 余额不足        -> ErrInsufficientBalance（业务错误，不可重试）
//   - 版本号不匹配    -> ErrOptimisticLock（并发冲突，上层重试整个事务）
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance":       gorm.Expr("balance - ?", amount),
			"lifetime_used": gorm.Expr("lifetime_used + ?", amount),
			"version":       gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrInsufficientBalance
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 入账积分（带乐观锁）
// setFreeGranted / setSubscription 用于在同一次 UPDATE 中顺带置位账户标记：
// 首次入账置 free_credits_granted，订阅入账置 subscription_active
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int, setFreeGranted, setSubscription bool) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"balance": gorm.Expr("balance + ?", amount),
		"version": gorm.Expr("version + 1"),
	}
	if setFreeGranted {
		updates["free_credits_granted"] = true
	}
	if setSubscription {
		updates["subscription_active"] = true
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// OverwriteForRepair 对账覆写账户
// 用流水回放结果覆写 balance / lifetime_used / free_credits_granted，
// subscription_active 归订阅回调所有，这里绝不触碰
func (r *AccountRepository) OverwriteForRepair(ctx context.Context, tx *gorm.DB, userID string, balance, lifetimeUsed int64, freeCreditsGranted bool, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance":              balance,
			"lifetime_used":        lifetimeUsed,
			"free_credits_granted": freeCreditsGranted,
			"version":              gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// GetOrCreate 查询账户，不存在则创建零余额账户
//
// 【注意】只有入账（grant）路径允许隐式建户；
// 扣减路径必须走 GetByUserID，账户缺失直接报错，避免把建户 bug 掩盖成零余额。
// 建户必须和首笔入账跑在同一个事务里，入账失败回滚时不留下空账户
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID string) (*model.CreditAccount, error) {
	if tx == nil {
		tx = r.db
	}

	account, err := r.GetByUserID(ctx, tx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CreditAccount{
		UserID:  userID,
		Balance: 0,
	}

	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, tx, userID)
}

// ListAfterID 按主键游标批量拉取账户，供后台巡检任务分页扫描
func (r *AccountRepository) ListAfterID(ctx context.Context, lastID int64, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("id > ?", lastID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
