package service

import (
	"errors"
	"fmt"
)

// 对外错误码（封闭集合）
const (
	ErrCodeAccountNotFound     = "ACCOUNT_NOT_FOUND"     // 账户不存在（业务错误，不重试）
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"  // 余额不足（业务错误，不重试）
	ErrCodeInvalidAmount       = "INVALID_AMOUNT"        // 金额非法（业务错误，不重试）
	ErrCodeInvalidType         = "INVALID_TYPE"          // 流水类型非法（业务错误，不重试）
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"     // 重试耗尽后的存储不可用
)

// CreditError 积分操作错误
// 统一携带 userID 和请求金额，方便日志和监控定位；
// 瞬时失败耗尽后包成 STORE_UNAVAILABLE，此时不伪造余额数字——
// "余额是 0" 和 "不知道余额" 是两回事
type CreditError struct {
	Code    string
	Message string
	UserID  string
	Amount  int64
	Err     error // 底层原因，可为空
}

func (e *CreditError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (user_id=%s, amount=%d): %v", e.Code, e.Message, e.UserID, e.Amount, e.Err)
	}
	return fmt.Sprintf("%s: %s (user_id=%s, amount=%d)", e.Code, e.Message, e.UserID, e.Amount)
}

func (e *CreditError) Unwrap() error {
	return e.Err
}

// AsCreditError 从错误链中提取 CreditError
func AsCreditError(err error) (*CreditError, bool) {
	var creditErr *CreditError
	if errors.As(err, &creditErr) {
		return creditErr, true
	}
	return nil, false
}

func newAccountNotFound(userID string) *CreditError {
	return &CreditError{
		Code:    ErrCodeAccountNotFound,
		Message: "账户不存在",
		UserID:  userID,
	}
}

func newInsufficientCredits(userID string, amount int64) *CreditError {
	return &CreditError{
		Code:    ErrCodeInsufficientCredits,
		Message: "积分余额不足",
		UserID:  userID,
		Amount:  amount,
	}
}

func newInvalidAmount(userID string, amount int64) *CreditError {
	return &CreditError{
		Code:    ErrCodeInvalidAmount,
		Message: "金额必须大于0",
		UserID:  userID,
		Amount:  amount,
	}
}

func newInvalidType(userID, transactionType string) *CreditError {
	return &CreditError{
		Code:    ErrCodeInvalidType,
		Message: fmt.Sprintf("非法的流水类型: %s", transactionType),
		UserID:  userID,
	}
}

func newStoreUnavailable(userID string, amount int64, cause error) *CreditError {
	return &CreditError{
		Code:    ErrCodeStoreUnavailable,
		Message: "存储暂时不可用，请稍后重试",
		UserID:  userID,
		Amount:  amount,
		Err:     cause,
	}
}
