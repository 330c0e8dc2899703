package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"storycredits/internal/model"
	"storycredits/internal/testutil"
)

func newTestRepairService(t *testing.T) (*RepairService, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	redisClient := testutil.SetupTestRedis(t)
	return NewRepairService(db, redisClient, testutil.TestConfig(t)), db
}

func TestRepairUserCredits_RebuildsFromHistory(t *testing.T) {
	svc, db := newTestRepairService(t)
	// 账户字段被脏写，流水才是真相：+10 -4 = 6
	account := testutil.TestAccount(t, db,
		testutil.WithBalance(999),
		testutil.WithLifetimeUsed(0),
	)
	testutil.TestTransaction(t, db, account.UserID, 10, testutil.WithType(model.TransactionTypeGrant))
	testutil.TestTransaction(t, db, account.UserID, -4)

	result, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(6), result.Balance)
	assert.Equal(t, int64(4), result.LifetimeUsed)
	assert.Equal(t, 2, result.TransactionCount)

	var updated model.CreditAccount
	require.NoError(t, db.Where("user_id = ?", account.UserID).First(&updated).Error)
	assert.Equal(t, int64(6), updated.Balance)
	assert.Equal(t, int64(4), updated.LifetimeUsed)
	assert.True(t, updated.FreeCreditsGranted)
}

func TestRepairUserCredits_Idempotent(t *testing.T) {
	svc, db := newTestRepairService(t)
	account := testutil.TestAccount(t, db, testutil.WithBalance(100))
	testutil.TestTransaction(t, db, account.UserID, 10, testutil.WithType(model.TransactionTypeGrant))
	testutil.TestTransaction(t, db, account.UserID, -3)

	first, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)

	// 没有新流水时重复对账得到完全相同的结果
	second, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)
	assert.Equal(t, first.Balance, second.Balance)
	assert.Equal(t, first.LifetimeUsed, second.LifetimeUsed)
	assert.Equal(t, first.TransactionCount, second.TransactionCount)

	// 对账不追加流水
	var transCount int64
	require.NoError(t, db.Model(&model.CreditTransaction{}).Count(&transCount).Error)
	assert.Equal(t, int64(2), transCount)
}

func TestRepairUserCredits_NegativeSumClampedToZero(t *testing.T) {
	svc, db := newTestRepairService(t)
	// 历史记账 bug：只有扣减流水，合计为负
	account := testutil.TestAccount(t, db, testutil.WithBalance(5))
	testutil.TestTransaction(t, db, account.UserID, -7)

	result, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(0), result.Balance)
	assert.Contains(t, result.Message, "需人工核查")

	var updated model.CreditAccount
	require.NoError(t, db.Where("user_id = ?", account.UserID).First(&updated).Error)
	assert.Equal(t, int64(0), updated.Balance)
	assert.False(t, updated.FreeCreditsGranted)
}

func TestRepairUserCredits_EmptyHistory(t *testing.T) {
	svc, db := newTestRepairService(t)
	account := testutil.TestAccount(t, db, testutil.WithBalance(42))

	result, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Balance)
	assert.Equal(t, 0, result.TransactionCount)

	var updated model.CreditAccount
	require.NoError(t, db.Where("user_id = ?", account.UserID).First(&updated).Error)
	assert.Equal(t, int64(0), updated.Balance)
}

func TestRepairUserCredits_AccountNotFound(t *testing.T) {
	svc, _ := newTestRepairService(t)

	_, err := svc.RepairUserCredits(context.Background(), "nobody")
	creditErr, ok := AsCreditError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeAccountNotFound, creditErr.Code)
}

func TestRepairUserCredits_PreservesSubscriptionFlag(t *testing.T) {
	svc, db := newTestRepairService(t)
	account := testutil.TestAccount(t, db,
		testutil.WithBalance(1),
		testutil.WithSubscriptionActive(true),
	)
	testutil.TestTransaction(t, db, account.UserID, 10, testutil.WithType(model.TransactionTypeSubscription))

	_, err := svc.RepairUserCredits(context.Background(), account.UserID)
	require.NoError(t, err)

	var updated model.CreditAccount
	require.NoError(t, db.Where("user_id = ?", account.UserID).First(&updated).Error)
	assert.True(t, updated.SubscriptionActive)
	assert.Equal(t, int64(10), updated.Balance)
}
