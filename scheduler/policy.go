package scheduler

import (
	"fmt"
	"time"
)

// Policy 调度策略，可通过 SetPolicy 热更新。
type Policy struct {
	// MaxPending 订单等待依赖的最长时间，0 表示不限。
	MaxPending time.Duration `yaml:"max_pending"`
	// RetryBackoff 首次重试前的等待时间，之后按 2 倍递增。
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// MaxRetryBackoff 单次退避上限。
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	// DefaultRetries 订单未指定时的重试次数。
	DefaultRetries int `yaml:"default_retries"`
	// TickInterval 超时与退避的扫描周期。
	TickInterval time.Duration `yaml:"tick_interval"`
	// RetainTerminal 终态订单保留时长，0 表示不自动清理。
	RetainTerminal time.Duration `yaml:"retain_terminal"`
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxPending:      10 * time.Minute,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 10 * time.Second,
		DefaultRetries:  3,
		TickInterval:    100 * time.Millisecond,
		RetainTerminal:  time.Hour,
	}
}

// Validate 检查策略参数
func (p Policy) Validate() error {
	if p.MaxPending < 0 {
		return fmt.Errorf("max_pending must be >= 0")
	}
	if p.RetryBackoff < 0 || p.MaxRetryBackoff < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if p.DefaultRetries < 0 {
		return fmt.Errorf("default_retries must be >= 0")
	}
	if p.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0")
	}
	if p.RetainTerminal < 0 {
		return fmt.Errorf("retain_terminal must be >= 0")
	}
	return nil
}

// backoff 第 attempt 次重试（从 0 开始）的等待时间。
func (p Policy) backoff(attempt int) time.Duration {
	d := p.RetryBackoff
	for i := 0; i < attempt && (p.MaxRetryBackoff == 0 || d < p.MaxRetryBackoff); i++ {
		d *= 2
	}
	if p.MaxRetryBackoff > 0 && d > p.MaxRetryBackoff {
		d = p.MaxRetryBackoff
	}
	return d
}

// Clock 时间来源，测试中替换为可控时钟。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
