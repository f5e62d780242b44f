package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
)

// WatchConfig 热更新配置
type WatchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CooldownTime time.Duration `yaml:"cooldown_time"` // 冷却时间，避免编辑器连续写入触发多次重载
	EnvFile      string        `yaml:"env_file"`
}

// DefaultWatchConfig 默认热更新配置
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{Enabled: true, CooldownTime: time.Second}
}

// Watcher 监听配置文件，校验通过后回调新配置。校验失败时保留旧配置。
type Watcher struct {
	cfg      WatchConfig
	path     string
	watcher  *fsnotify.Watcher
	onUpdate func(AppConfig)
	log      *logger.Logger

	mu         sync.Mutex
	lastReload time.Time
	reloads    int
	failures   int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWatcher 创建监听器
func NewWatcher(path string, cfg WatchConfig, onUpdate func(AppConfig), log *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{
		cfg:      cfg,
		path:     filepath.Clean(path),
		watcher:  fw,
		onUpdate: onUpdate,
		log:      log.WithFields(map[string]interface{}{"component": "config_watcher"}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动监听。监听所在目录，编辑器以 rename 方式保存时也能收到事件。
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		close(w.doneChan)
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go w.watch(ctx)
	return nil
}

// Stop 停止监听
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
	}
	return w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("配置监听错误", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if time.Since(w.lastReload) < w.cfg.CooldownTime {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path, w.cfg.EnvFile)
	w.mu.Lock()
	if err != nil {
		w.failures++
		// 允许下次写入立即重试
		w.lastReload = time.Time{}
		w.mu.Unlock()
		w.log.Error("配置重载失败，保留当前配置", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.reloads++
	w.mu.Unlock()

	w.log.Info("配置已重载", zap.String("path", w.path))
	if w.onUpdate != nil {
		w.onUpdate(cfg)
	}
}

// Stats 返回成功/失败的重载次数
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}
