package retry

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// ============================================================================
// 有界重试执行器
// ============================================================================
//
// 【为什么要区分错误类型？】
//
// 积分操作的失败分两类：
//   - 瞬时失败：存储抖动、网络超时、乐观锁冲突 -> 退避后重试有意义
//   - 业务失败：余额不足、账户不存在、参数非法 -> 重试多少次结果都一样，
//     还会让用户白等好几轮退避才看到报错
//
// 所以业务失败必须用 Terminal() 包装，执行器看到后立刻原样返回，绝不重试。
//
// 【退避公式】第 k 次重试前（k 从 1 开始）：
//
//	delay = min(BaseDelay * 2^(k-1), MaxDelay) + uniform(0, 0.1*delay)
//
// 随机抖动避免大量请求在同一时刻一起重试（惊群）。
//
// ============================================================================

// Config 重试配置
type Config struct {
	MaxRetries int           // 首次尝试之外的最大重试次数
	BaseDelay  time.Duration // 首次重试的基础延迟
	MaxDelay   time.Duration // 单次延迟上限（不含抖动）
}

// DefaultConfig 默认配置：最多重试 3 次，基础延迟 1s，上限 5s
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   5000 * time.Millisecond,
	}
}

// TerminalError 标记不可重试的业务失败
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal 包装一个业务失败，告诉执行器不要重试
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal 判断错误是否被标记为不可重试
func IsTerminal(err error) bool {
	var terminalErr *TerminalError
	return errors.As(err, &terminalErr)
}

// Do 执行 op，最多尝试 MaxRetries+1 次
//
// 约定：
//   - op 返回 nil 则成功结束
//   - op 返回 Terminal 包装的错误，立刻拆包返回，不重试
//   - 其余错误视为瞬时失败，退避后重试，耗尽后返回最后一次的错误
//   - ctx 取消后不再发起新的尝试，也不会睡过调用方的截止时间
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			log.Printf("[Retry] 第 %d/%d 次重试, 等待 %v, 原因: %v", attempt, cfg.MaxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(delay):
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var terminalErr *TerminalError
		if errors.As(err, &terminalErr) {
			return terminalErr.Err
		}

		lastErr = err
	}

	return lastErr
}

// backoffDelay 计算第 attempt 次重试前的延迟（attempt >= 1）
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			break
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	// 抖动：uniform(0, 0.1*delay)
	jitterRange := int64(delay) / 10
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(jitterRange + 1))
	}
	return delay
}
