package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"conditional-orders-go/gateway"
	"conditional-orders-go/infrastructure/alert"
	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/internal/api"
	"conditional-orders-go/internal/store"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// 环境变量覆盖（优先级：环境变量 > .env 文件 > YAML）
const (
	EnvEnv            = "OD_ENV"
	EnvLogLevel       = "OD_LOG_LEVEL"
	EnvAPIAddr        = "OD_API_ADDR"
	EnvStorePath      = "OD_STORE_PATH"
	EnvVenueKind      = "OD_VENUE_KIND"
	EnvVenueURL       = "OD_VENUE_URL"
	EnvMaxPending     = "OD_MAX_PENDING"
	EnvDefaultRetries = "OD_DEFAULT_RETRIES"
)

// 交易所适配器类型
const (
	VenuePaper = "paper"
	VenueWS    = "ws"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                   `yaml:"env"`
	Scheduler  scheduler.Policy         `yaml:"scheduler"`
	Dispatcher gateway.DispatcherConfig `yaml:"dispatcher"`
	Venue      VenueConfig              `yaml:"venue"`
	Store      store.Config             `yaml:"store"`
	API        api.Config               `yaml:"api"`
	Alert      alert.Config             `yaml:"alert"`
	Log        logger.Config            `yaml:"log"`
	Monitor    monitor.Config           `yaml:"monitor"`
	Reload     WatchConfig              `yaml:"reload"`
	Symbols    map[string]SymbolConfig  `yaml:"symbols"`
}

// VenueConfig 选择并配置执行端。
type VenueConfig struct {
	Kind      string                   `yaml:"kind"` // paper 或 ws
	Paper     gateway.PaperConfig      `yaml:"paper"`
	WS        gateway.WSConfig         `yaml:"ws"`
	Reconcile gateway.ReconcilerConfig `yaml:"reconcile"`
}

// SymbolConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type SymbolConfig struct {
	TickSize    float64 `yaml:"tick_size"`
	StepSize    float64 `yaml:"step_size"`
	MinQty      float64 `yaml:"min_qty"`
	MaxQty      float64 `yaml:"max_qty"`
	MinNotional float64 `yaml:"min_notional"`
}

// Constraints 转换为下单校验使用的约束。
func (c AppConfig) Constraints() map[string]order.SymbolConstraints {
	out := make(map[string]order.SymbolConstraints, len(c.Symbols))
	for sym, sc := range c.Symbols {
		out[sym] = order.SymbolConstraints{
			TickSize:    decimal.NewFromFloat(sc.TickSize),
			StepSize:    decimal.NewFromFloat(sc.StepSize),
			MinQty:      decimal.NewFromFloat(sc.MinQty),
			MaxQty:      decimal.NewFromFloat(sc.MaxQty),
			MinNotional: decimal.NewFromFloat(sc.MinNotional),
		}
	}
	return out
}

// Default 返回可直接运行的默认配置（模拟交易所）。
func Default() AppConfig {
	return AppConfig{
		Env:        "dev",
		Scheduler:  scheduler.DefaultPolicy(),
		Dispatcher: gateway.DefaultDispatcherConfig(),
		Venue: VenueConfig{
			Kind:      VenuePaper,
			Paper:     gateway.PaperConfig{AutoAccept: true},
			Reconcile: gateway.ReconcilerConfig{Interval: 30 * time.Second, Grace: 5 * time.Second},
		},
		API:     api.Config{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		Alert:   alert.DefaultConfig(),
		Log:     logger.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Reload:  DefaultWatchConfig(),
	}
}

// Load reads YAML config from path on top of Default and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, fmt.Errorf("config %s is empty", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config, then the optional .env file, then OD_* variables.
func LoadWithEnvOverrides(path, envFile string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	// .env 可选，不存在时忽略
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv(EnvEnv); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvVenueKind); v != "" {
		cfg.Venue.Kind = v
	}
	if v := os.Getenv(EnvVenueURL); v != "" {
		cfg.Venue.WS.URL = v
	}
	if v := os.Getenv(EnvMaxPending); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxPending, err)
		}
		cfg.Scheduler.MaxPending = d
	}
	if v := os.Getenv(EnvDefaultRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDefaultRetries, err)
		}
		cfg.Scheduler.DefaultRetries = n
	}
	return nil
}
