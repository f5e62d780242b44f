package alert

import (
	"fmt"
	"os"
	"sync"
	"time"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Config 告警配置
type Config struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	Channels         []string      `yaml:"channels"` // log, console
}

// DefaultConfig 默认只走日志通道，同类告警 30 秒内只发一次。
func DefaultConfig() Config {
	return Config{ThrottleInterval: 30 * time.Second, Channels: []string{"log"}}
}

// Throttler 按 key 限流，并记录被压制的次数。
type Throttler struct {
	lastSent   map[string]time.Time
	suppressed map[string]int
	interval   time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
		interval:   interval,
		now:        time.Now,
	}
}

// Allow 允许发送时返回 true 以及上次发送后被压制的次数。
func (t *Throttler) Allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, exists := t.lastSent[key]
	if exists && now.Sub(last) < t.interval {
		t.suppressed[key]++
		return false, 0
	}
	t.lastSent[key] = now
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

// Reset 重置单个 key
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
	delete(t.suppressed, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
	t.suppressed = make(map[string]int)
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// FromConfig 按配置创建通道。未知通道名返回错误。
func FromConfig(cfg Config, log *logger.Logger) (*Manager, error) {
	chans := make([]Channel, 0, len(cfg.Channels))
	for _, name := range cfg.Channels {
		switch name {
		case "log":
			chans = append(chans, NewLogChannel(name, log))
		case "console":
			chans = append(chans, NewConsoleChannel(name, os.Stdout))
		default:
			return nil, fmt.Errorf("unknown alert channel %q", name)
		}
	}
	return NewManager(chans, cfg.ThrottleInterval), nil
}

// SendAlert 发送告警。限流 key 为级别+消息，被压制的次数附在下一条告警的 suppressed 字段。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	ok, suppressed := m.throttle.Allow(fmt.Sprintf("%s:%s", alert.Level, alert.Message))
	if !ok {
		return nil
	}
	if suppressed > 0 {
		fields := make(map[string]interface{}, len(alert.Fields)+1)
		for k, v := range alert.Fields {
			fields[k] = v
		}
		fields["suppressed"] = suppressed
		alert.Fields = fields
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	// 所有通道都失败才返回错误
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// SendWarning 发送WARNING级别告警
func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Message: message, Fields: fields})
}

// SendError 发送ERROR级别告警
func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Message: message, Fields: fields})
}

// OnTransition 将调度器的强制失败转换为告警，可直接注册为 scheduler.Listener。
func (m *Manager) OnTransition(ev scheduler.TransitionEvent) {
	level, msg, ok := classify(ev)
	if !ok {
		return
	}
	_ = m.SendAlert(Alert{
		Level:     level,
		Message:   msg,
		Timestamp: ev.At,
		Fields: map[string]interface{}{
			"order_id": ev.OrderID,
			"from":     string(ev.From),
			"to":       string(ev.To),
			"seq":      ev.Seq,
		},
	})
}

func classify(ev scheduler.TransitionEvent) (Level, string, bool) {
	switch ev.Reason {
	case order.ReasonRetryExhausted:
		return LevelError, "订单重试耗尽", true
	case order.ReasonDependencyFailed:
		return LevelWarning, "依赖失败，订单被级联拒绝", true
	case order.ReasonDependencyTimeout:
		return LevelWarning, "等待依赖超时", true
	case order.ReasonVenue:
		if ev.To == order.StatusRejected {
			return LevelWarning, "交易所拒单", true
		}
	}
	return "", "", false
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
