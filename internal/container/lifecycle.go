package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件，按注册顺序启动、逆序停止。
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// Names 返回已注册组件名
func (m *LifecycleManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}
	return names
}

// StartAll 按顺序启动所有组件，失败时回滚已启动的组件。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，返回全部错误。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// runner 把阻塞的 Run(ctx) 包装为生命周期组件。
type runner struct {
	name   string
	run    func(ctx context.Context) error
	stop   func() error // 可选，Run 返回后调用
	health func() error // 可选
	logger *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

func (r *runner) Name() string { return r.name }

func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		err := r.run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("component exited", zap.String("component", r.name), zap.Error(err))
			r.mu.Lock()
			r.exitErr = err
			r.mu.Unlock()
		}
	}()
	r.logger.Info("component started", zap.String("component", r.name))
	return nil
}

func (r *runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("%s did not stop in time", r.name)
	}
	if r.stop != nil {
		if err := r.stop(); err != nil {
			return err
		}
	}
	r.logger.Info("component stopped", zap.String("component", r.name))
	return nil
}

func (r *runner) Health() error {
	r.mu.Lock()
	started, exitErr := r.done != nil, r.exitErr
	done := r.done
	r.mu.Unlock()
	if !started {
		return errors.New("not started")
	}
	if exitErr != nil {
		return exitErr
	}
	select {
	case <-done:
		return errors.New("stopped")
	default:
	}
	if r.health != nil {
		return r.health()
	}
	return nil
}

// closer 只在停止时释放资源的组件（例如存储）。
type closer struct {
	name  string
	close func() error
}

func (c closer) Name() string                { return c.name }
func (c closer) Start(context.Context) error { return nil }
func (c closer) Stop() error                 { return c.close() }
func (c closer) Health() error               { return nil }

// startStopper 适配自带 Start/Stop 的组件（对账器、配置监听）。
type startStopper struct {
	name  string
	start func(ctx context.Context) error
	stop  func() error
}

func (s startStopper) Name() string                    { return s.name }
func (s startStopper) Start(ctx context.Context) error { return s.start(ctx) }
func (s startStopper) Stop() error                     { return s.stop() }
func (s startStopper) Health() error                   { return nil }
