package model

import (
	"time"
)

// CreditAccount 用户积分账户表
// 记录用户当前可用的故事生成积分，是整个积分系统的核心数据
//
// 【重要】balance 永远不能为负数，且必须满足：
//
//	balance == 该用户所有流水 amount 之和
//
// 这个等式由对账（repair）校验和修复，日常写入靠事务 + 乐观锁保证
type CreditAccount struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户ID，由上游认证层传入
	Balance            int64     `gorm:"not null;default:0" json:"balance"`                    // 可用积分余额
	LifetimeUsed       int64     `gorm:"not null;default:0" json:"lifetime_used"`              // 累计消耗积分（只增不减）
	SubscriptionActive bool      `gorm:"not null;default:false" json:"subscription_active"`    // 订阅状态，由订阅回调写入，对账不碰
	FreeCreditsGranted bool      `gorm:"not null;default:false" json:"free_credits_granted"`   // 是否已发放过初始赠送积分
	Version            int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"` // 每次变更时刷新
}

func (CreditAccount) TableName() string {
	return "credit_account"
}
