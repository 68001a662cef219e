package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// ErrExhausted 重试次数耗尽
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy 定义重试策略配置
// delay(attempt) = BaseDelay × Multiplier^attempt，上限 MaxDelay
type Policy struct {
	MaxAttempts int                                               // 总尝试次数（含首次），至少 1
	BaseDelay   time.Duration                                     // 基础延迟
	MaxDelay    time.Duration                                     // 最大延迟
	Multiplier  float64                                           // 倍增因子（指数退避）
	Jitter      bool                                              // 是否添加 ±25% 随机抖动
	ShouldRetry func(err error) bool                              // 为空时使用 types.IsRetryable
	OnRetry     func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认重试策略：3 次尝试，100ms 起步，2s 封顶
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行 fn，失败且可重试时按策略重试
	Do(ctx context.Context, fn func(attempt int) error) error
}

type backoffRetryer struct {
	policy Policy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy Policy, logger *zap.Logger) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = types.IsRetryable
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !r.policy.ShouldRetry(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

// Delay 计算第 n 次重试（从 0 开始）前的等待时间
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay < float64(p.BaseDelay) {
			delay = float64(p.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// ExhaustedError 记录耗尽时的尝试次数与最后一次错误
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap 同时暴露 ErrExhausted 与最后一次错误
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}
