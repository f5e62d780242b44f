package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conditional-orders-go/config"
	"conditional-orders-go/gateway"
	"conditional-orders-go/infrastructure/alert"
	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/internal/api"
	"conditional-orders-go/internal/store"
	"conditional-orders-go/scheduler"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	audit   *store.Store

	// 调度与执行
	scheduler  *scheduler.Scheduler
	dispatcher *gateway.Dispatcher
	paper      *gateway.PaperVenue
	ws         *gateway.WSVenue
	reconciler *gateway.Reconciler

	// 接口
	hub    *api.Hub
	server *api.Server

	watcher   *config.Watcher
	lifecycle *LifecycleManager
}

// New 加载配置并创建 Container
func New(configPath, envFile string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	if envFile != "" {
		c.cfg.Reload.EnvFile = envFile
	}
	return c, nil
}

// NewWithConfig 使用已加载的配置创建 Container（不监听配置文件）
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{cfg: cfg, lifecycle: NewLifecycleManager()}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildScheduler(); err != nil {
		return fmt.Errorf("build scheduler failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	c.buildAPI()
	if err := c.buildWatcher(); err != nil {
		return fmt.Errorf("build config watcher failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(c.cfg.Monitor)

	c.alerts, err = alert.FromConfig(c.cfg.Alert, c.logger)
	if err != nil {
		return err
	}

	if c.cfg.Store.Path != "" || c.cfg.Store.InMemory {
		c.audit, err = store.Open(c.cfg.Store, c.logger, c.monitor)
		if err != nil {
			return fmt.Errorf("open audit store failed: %w", err)
		}
	}
	return nil
}

func (c *Container) buildScheduler() error {
	if err := c.cfg.Scheduler.Validate(); err != nil {
		return err
	}
	c.scheduler = scheduler.New(nil, scheduler.Options{
		Policy:      c.cfg.Scheduler,
		Logger:      c.logger,
		Monitor:     c.monitor,
		Constraints: c.cfg.Constraints(),
	})
	c.scheduler.Subscribe(c.alerts.OnTransition)
	if c.audit != nil {
		c.scheduler.Subscribe(c.audit.OnTransition)
	}
	return nil
}

func (c *Container) buildGateway() error {
	var venue gateway.Venue
	switch c.cfg.Venue.Kind {
	case config.VenuePaper:
		c.paper = gateway.NewPaperVenue(c.cfg.Venue.Paper)
		c.paper.SetReporter(c.scheduler)
		venue = c.paper
	case config.VenueWS:
		c.ws = gateway.NewWSVenue(c.cfg.Venue.WS, c.scheduler, c.logger)
		venue = c.ws
	default:
		return fmt.Errorf("unknown venue kind %q", c.cfg.Venue.Kind)
	}

	c.dispatcher = gateway.NewDispatcher(venue, c.scheduler, c.cfg.Dispatcher, c.logger, c.monitor)
	c.scheduler.SetForwarder(c.dispatcher)

	if q, ok := venue.(gateway.Querier); ok && c.cfg.Venue.Reconcile.Interval > 0 {
		c.reconciler = gateway.NewReconciler(q, c.scheduler, c.scheduler, c.cfg.Venue.Reconcile, c.logger, c.monitor)
	}
	return nil
}

func (c *Container) buildAPI() {
	if c.cfg.API.Addr == "" {
		return
	}
	c.hub = api.NewHub(c.logger, c.monitor)
	c.scheduler.Subscribe(c.hub.OnTransition)

	// 未启用持久化时传入 nil 接口
	var audit api.AuditLog
	if c.audit != nil {
		audit = c.audit
	}
	c.server = api.NewServer(c.cfg.API, c.scheduler, audit, c.hub, c.monitor, c.logger)
	c.server.SetReadiness(c.HealthCheck)
}

func (c *Container) buildWatcher() error {
	if c.configPath == "" || !c.cfg.Reload.Enabled {
		return nil
	}
	var err error
	c.watcher, err = config.NewWatcher(c.configPath, c.cfg.Reload, c.ApplyConfig, c.logger)
	return err
}

func (c *Container) registerLifecycleComponents() {
	if c.audit != nil {
		c.lifecycle.Register(closer{name: "audit_store", close: c.audit.Close})
	}
	if c.ws != nil {
		c.lifecycle.Register(&runner{
			name:   "ws_venue",
			run:    c.ws.Run,
			health: c.wsHealth,
			logger: c.logger,
		})
	}
	c.lifecycle.Register(&runner{name: "dispatcher", run: c.dispatcher.Run, logger: c.logger})
	c.lifecycle.Register(&runner{name: "scheduler", run: c.scheduler.Run, logger: c.logger})
	if c.reconciler != nil {
		c.lifecycle.Register(startStopper{name: "reconciler", start: c.reconciler.Start, stop: c.reconciler.Stop})
	}
	if c.audit != nil && c.cfg.Store.Retention > 0 {
		c.lifecycle.Register(&runner{name: "audit_compactor", run: c.compactLoop, logger: c.logger})
	}
	if c.server != nil {
		c.lifecycle.Register(&runner{
			name:   "ws_hub",
			run:    func(ctx context.Context) error { c.hub.Run(ctx); return nil },
			logger: c.logger,
		})
		c.lifecycle.Register(&runner{name: "api_server", run: c.server.Run, logger: c.logger})
	}
	if c.watcher != nil {
		c.lifecycle.Register(startStopper{name: "config_watcher", start: c.watcher.Start, stop: c.watcher.Stop})
	}
}

func (c *Container) wsHealth() error {
	if !c.ws.Connected() {
		return errors.New("venue disconnected")
	}
	return nil
}

func (c *Container) compactLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.audit.Compact(time.Now().Add(-c.cfg.Store.Retention)); err != nil {
				c.logger.Warn("audit compaction failed", zap.Error(err))
			}
		}
	}
}

// ApplyConfig 应用热更新的配置。只更新可在运行期调整的部分。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	if err := c.scheduler.SetPolicy(cfg.Scheduler); err != nil {
		c.logger.Error("reject scheduler policy", zap.Error(err))
	} else {
		c.scheduler.SetConstraints(cfg.Constraints())
	}
	if c.reconciler != nil && cfg.Venue.Reconcile.Interval > 0 {
		c.reconciler.UpdateInterval(cfg.Venue.Reconcile.Interval)
	}
	if c.paper != nil {
		c.paper.SetFailureRates(cfg.Venue.Paper.TransientRate, cfg.Venue.Paper.RejectRate)
	}
	c.logger.Info("runtime config applied",
		zap.Duration("max_pending", cfg.Scheduler.MaxPending),
		zap.Int("default_retries", cfg.Scheduler.DefaultRetries),
		zap.Int("symbols", len(cfg.Symbols)))
}

// Start 启动所有组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 停止所有组件。仍在等待依赖或重试的订单随进程退出丢弃，记录数量便于排查。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...",
		zap.Int("pending", len(c.scheduler.Pending())),
		zap.Int("held", len(c.scheduler.Held())),
		zap.Int("active", len(c.scheduler.ActiveForwarded())))

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	_ = c.logger.Close()
	return err
}

// HealthCheck 检查所有组件
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Scheduler 返回调度器
func (c *Container) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Paper 返回模拟交易所；使用 ws 执行端时为 nil
func (c *Container) Paper() *gateway.PaperVenue { return c.paper }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Audit 返回审计日志；未启用时为 nil
func (c *Container) Audit() *store.Store { return c.audit }
