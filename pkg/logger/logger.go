package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 是全局日志器的初始化参数。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig 控制审计日志的独立输出。
// 审计日志记录门控决策与运行终态，不受普通日志级别过滤影响。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu       sync.Mutex
	appLog   *slog.Logger
	auditLog *slog.Logger
	sinks    []io.Closer
)

// Init 初始化全局日志器。重复调用是幂等的：首次成功后直接返回。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if appLog != nil {
		return nil
	}

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}
	writer, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Format, "text") {
		appLog = slog.New(slog.NewTextHandler(writer, opts))
	} else {
		appLog = slog.New(slog.NewJSONHandler(writer, opts))
	}

	auditLog = appLog
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			return errors.New("启用审计日志时必须配置输出路径")
		}
		roller, err := newRollingFile(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			return err
		}
		sinks = append(sinks, roller)
		auditLog = slog.New(slog.NewJSONHandler(roller, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return nil
}

// combineOutputs 打开全部输出目标，多于一个时合并为 MultiWriter。
func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("创建日志目录失败: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("打开日志文件 %s 失败: %w", path, err)
			}
			sinks = append(sinks, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L 返回应用日志器。未初始化时退化为默认配置。
func L() *slog.Logger {
	mu.Lock()
	initialised := appLog != nil
	mu.Unlock()
	if !initialised {
		_ = Init(Config{})
	}
	return appLog
}

// Audit 返回审计日志器。未单独配置时与应用日志器相同。
func Audit() *slog.Logger {
	if auditLog == nil {
		return L()
	}
	return auditLog
}

// Named 返回带组件名分组的子日志器。
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync 关闭全部文件输出。进程退出前调用。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, sink := range sinks {
		err = errors.Join(err, sink.Close())
	}
	sinks = nil
	return err
}
