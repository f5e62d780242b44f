package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"conditional-orders-go/monitor/logschema"
)

// Logger 封装 zap，附带调度器常用的订单事件写法。
type Logger struct {
	*zap.Logger
	config Config
	files  []*os.File
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, stderr, file
	OutputFile string   `yaml:"output_file"` // outputs 含 file 时写入
	ErrorFile  string   `yaml:"error_file"`  // 只收 error 及以上
	Format     string   `yaml:"format"`      // json 或 console
}

func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// New 按配置组装 zap core；文件输出始终用 JSON 编码。
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	encCfg := encoderConfig(cfg.Format)
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	l := &Logger{config: cfg}
	var cores []zapcore.Core
	for _, out := range outputs {
		switch out {
		case "stdout", "stderr":
			stream := os.Stdout
			if out == "stderr" {
				stream = os.Stderr
			}
			cores = append(cores, zapcore.NewCore(streamEncoder(cfg.Format, encCfg), zapcore.Lock(stream), level))
		case "file":
			if cfg.OutputFile == "" {
				continue
			}
			f, err := l.open(cfg.OutputFile)
			if err != nil {
				return nil, err
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
		default:
			l.closeFiles()
			return nil, fmt.Errorf("unknown log output %q", out)
		}
	}
	if cfg.ErrorFile != "" {
		f, err := l.open(cfg.ErrorFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.ErrorLevel))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func encoderConfig(format string) zapcore.EncoderConfig {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func streamEncoder(format string, ec zapcore.EncoderConfig) zapcore.Encoder {
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func (l *Logger) open(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.closeFiles()
			return nil, fmt.Errorf("create log dir failed: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.closeFiles()
		return nil, fmt.Errorf("open log file %s failed: %w", path, err)
	}
	l.files = append(l.files, f)
	return f, nil
}

func (l *Logger) closeFiles() {
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = nil
}

// NewNop 丢弃所有输出，测试与未注入日志的组件使用。
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// FromZap 包装已有的 zap 日志器（例如 zaptest/observer）。
func FromZap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

// WithFields 返回带固定字段的子日志器，共享底层文件。
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(toZap(fields)...), config: l.config}
}

// LogOrder 记录单个订单的事件，event 同时作为 schema 名。
func (l *Logger) LogOrder(event string, orderID string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["event"] = event
	fields["order_id"] = orderID
	l.logEvent(zapcore.InfoLevel, "order_event", event, fields)
}

// LogTransition 记录状态转换；调度器强制的 REJECTED/EXPIRED 用 warn。
func (l *Logger) LogTransition(orderID, from, to, reason string, forced bool) {
	lvl := zapcore.InfoLevel
	if forced && (to == "REJECTED" || to == "EXPIRED") {
		lvl = zapcore.WarnLevel
	}
	l.logEvent(lvl, "order_transition", "order_transition", map[string]interface{}{
		"event":    "order_transition",
		"order_id": orderID,
		"from":     from,
		"to":       to,
		"reason":   reason,
	})
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	if context == nil {
		context = make(map[string]interface{})
	}
	context["error"] = err.Error()
	l.logEvent(zapcore.ErrorLevel, "error_event", "", context)
}

func (l *Logger) logEvent(lvl zapcore.Level, msg, event string, fields map[string]interface{}) {
	ce := l.Check(lvl, msg)
	if ce == nil {
		return
	}
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	zf := toZap(fields)
	if event != "" {
		if err := logschema.Validate(event, fields); err != nil {
			zf = append(zf, zap.String("schema_error", err.Error()))
		}
	}
	ce.Write(zf...)
}

// Close 刷新缓冲并关闭打开的日志文件。
func (l *Logger) Close() error {
	err := l.Sync()
	l.closeFiles()
	return err
}

func toZap(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
