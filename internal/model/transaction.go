package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeUsage         = "usage"          // 生成故事扣减
	TransactionTypeGrant         = "grant"          // 购买/初始赠送入账
	TransactionTypeRefund        = "refund"         // 退款入账
	TransactionTypeSubscription  = "subscription"   // 订阅入账
	TransactionTypeReferralBonus = "referral_bonus" // 邀请奖励入账
)

// IsGrantType 判断是否为入账类流水类型（amount 为正数的类型）
// 类型集合是封闭的：要扩展就新增常量，不要复用已有类型
func IsGrantType(transactionType string) bool {
	switch transactionType {
	case TransactionTypeGrant,
		TransactionTypeRefund,
		TransactionTypeSubscription,
		TransactionTypeReferralBonus:
		return true
	}
	return false
}

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 记录账户的每一笔积分变动，是对账的唯一依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. amount 带符号：入账为正，扣减为负，余额 = 全部流水之和
// 3. 记录交易前后余额快照 —— 仅用于排查问题，对账时不信任快照，只信任 amount
type CreditTransaction struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	RequestID       *string   `gorm:"type:varchar(64);uniqueIndex" json:"request_id,omitempty"`    // 幂等ID，客户端生成，可为空
	UserID          string    `gorm:"type:varchar(64);index;not null" json:"user_id"`              // 用户ID
	Amount          int64     `gorm:"not null" json:"amount"`                                      // 变动金额（入账为正，扣减为负）
	Type            string    `gorm:"type:varchar(20);not null" json:"type"`                       // 流水类型
	Description     string    `gorm:"type:varchar(256)" json:"description"`                        // 备注
	StoryID         string    `gorm:"type:varchar(64);index" json:"story_id,omitempty"`            // 关联的故事生成请求ID（仅 usage）
	PreviousBalance int64     `gorm:"not null" json:"previous_balance"`                            // 变动前余额快照
	NewBalance      int64     `gorm:"not null" json:"new_balance"`                                 // 变动后余额快照
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`                      // 对账回放按此排序
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
