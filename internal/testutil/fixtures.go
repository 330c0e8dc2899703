package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"storycredits/internal/config"
	"storycredits/internal/model"
	"storycredits/pkg/idgen"
)

// TestConfig 测试用配置：重试延迟压到毫秒级，避免测试被退避拖慢
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				CreditEvents: "credit-events-test",
			},
		},
		Retry: config.RetryConfig{
			MaxRetries:  2,
			BaseDelayMs: 1,
			MaxDelayMs:  5,
		},
		Credits: config.CreditsConfig{
			AdminToken:    "test-admin-token",
			MaxRetryCount: 3,
		},
	}
}

// TestAccount 创建测试账户
func TestAccount(t *testing.T, db *gorm.DB, opts ...func(*model.CreditAccount)) *model.CreditAccount {
	t.Helper()

	account := &model.CreditAccount{
		UserID:  fmt.Sprintf("user_%d", time.Now().UnixNano()),
		Balance: 0,
	}

	for _, opt := range opts {
		opt(account)
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}
	return account
}

func WithUserID(userID string) func(*model.CreditAccount) {
	return func(a *model.CreditAccount) {
		a.UserID = userID
	}
}

func WithBalance(balance int64) func(*model.CreditAccount) {
	return func(a *model.CreditAccount) {
		a.Balance = balance
	}
}

func WithLifetimeUsed(lifetimeUsed int64) func(*model.CreditAccount) {
	return func(a *model.CreditAccount) {
		a.LifetimeUsed = lifetimeUsed
	}
}

func WithSubscriptionActive(active bool) func(*model.CreditAccount) {
	return func(a *model.CreditAccount) {
		a.SubscriptionActive = active
	}
}

func WithFreeCreditsGranted(granted bool) func(*model.CreditAccount) {
	return func(a *model.CreditAccount) {
		a.FreeCreditsGranted = granted
	}
}

// TestTransaction 创建测试流水
func TestTransaction(t *testing.T, db *gorm.DB, userID string, amount int64, opts ...func(*model.CreditTransaction)) *model.CreditTransaction {
	t.Helper()

	transactionType := model.TransactionTypeGrant
	if amount < 0 {
		transactionType = model.TransactionTypeUsage
	}

	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Amount:        amount,
		Type:          transactionType,
		Description:   "测试流水",
	}

	for _, opt := range opts {
		opt(trans)
	}

	if err := db.Create(trans).Error; err != nil {
		t.Fatalf("Failed to create test transaction: %v", err)
	}
	return trans
}

func WithType(transactionType string) func(*model.CreditTransaction) {
	return func(tr *model.CreditTransaction) {
		tr.Type = transactionType
	}
}

func WithStoryID(storyID string) func(*model.CreditTransaction) {
	return func(tr *model.CreditTransaction) {
		tr.StoryID = storyID
	}
}

func WithCreatedAt(createdAt time.Time) func(*model.CreditTransaction) {
	return func(tr *model.CreditTransaction) {
		tr.CreatedAt = createdAt
	}
}

func WithRequestID(requestID string) func(*model.CreditTransaction) {
	return func(tr *model.CreditTransaction) {
		tr.RequestID = &requestID
	}
}
