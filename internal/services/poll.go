// internal/services/poll.go
package services

import (
	"context"
	"time"
)

// PollOutcome 轮询结果
type PollOutcome int

const (
	PollReady PollOutcome = iota
	PollTimedOut
)

func (o PollOutcome) String() string {
	if o == PollReady {
		return "ready"
	}
	return "timed_out"
}

// PollConfig 固定间隔 × 最大次数的轮询预算
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// Budget 最长等待时间
func (c PollConfig) Budget() time.Duration {
	return c.Interval * time.Duration(c.MaxAttempts)
}

// Sleeper 可替换的等待函数，ctx 取消时返回错误
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext 默认 Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollCheck 一次检查；返回 true 表示条件满足，错误立即终止轮询
type PollCheck func(ctx context.Context, attempt int) (bool, error)

// PollUntil 先检查后等待，最后一次检查后不再等待
func PollUntil(ctx context.Context, cfg PollConfig, sleep Sleeper, check PollCheck) (PollOutcome, error) {
	if sleep == nil {
		sleep = SleepContext
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := check(ctx, attempt)
		if err != nil {
			return PollTimedOut, err
		}
		if done {
			return PollReady, nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, cfg.Interval); err != nil {
			return PollTimedOut, err
		}
	}
	return PollTimedOut, nil
}
