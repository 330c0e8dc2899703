package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务发件箱
// 积分变动事件与流水写入在同一个事务中落库，再由后台任务异步投递到 Kafka，
// 保证"账动了但事件丢了"不会发生
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 使用流水号，下游可按 key 去重
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// CreditEventPayload 积分变动事件载荷
// 下游（统计、风控、推送）按 transaction_no 去重
type CreditEventPayload struct {
	TransactionNo string `json:"transaction_no"`
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balance_after"`
	StoryID       string `json:"story_id,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// NewCreditEventMessage 由一条流水构造待投递的积分变动事件
// message key 取流水号，保证同一笔流水的事件落在同一分区
func NewCreditEventMessage(topic string, trans *CreditTransaction) (*OutboxMessage, error) {
	payload, err := json.Marshal(CreditEventPayload{
		TransactionNo: trans.TransactionNo,
		UserID:        trans.UserID,
		Type:          trans.Type,
		Amount:        trans.Amount,
		BalanceAfter:  trans.NewBalance,
		StoryID:       trans.StoryID,
		OccurredAt:    time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	return &OutboxMessage{
		MessageKey: trans.TransactionNo,
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
