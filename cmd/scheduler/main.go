package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"conditional-orders-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/scheduler.yaml", "配置文件路径")
	envFile := flag.String("env", "", ".env 文件路径，留空则读取当前目录下的 .env（可选）")
	flag.Parse()

	c, err := container.New(*cfgPath, *envFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		c.Logger().Error("启动失败", zap.Error(err))
		os.Exit(1)
	}
	notify(c, daemon.SdNotifyReady)
	go watchdog(ctx, c)

	<-ctx.Done()
	notify(c, daemon.SdNotifyStopping)
	c.Logger().Info("收到退出信号，开始关闭")
	if err := c.Stop(); err != nil {
		log.Printf("关闭时出错: %v", err)
		os.Exit(1)
	}
}

// notify 通知 systemd；非 systemd 环境下是空操作。
func notify(c *container.Container, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		c.Logger().Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

// watchdog 在 WatchdogSec 的一半周期内上报存活，组件不健康时停止上报让 systemd 重启。
func watchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			notify(c, daemon.SdNotifyWatchdog)
		}
	}
}
