package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/offline-hub/internal/config"
)

// ServiceName 写入每条日志的 service 字段。
const ServiceName = "offline-hub"

// InitLogger 按全局配置创建 JSON 日志；文件不可写时退回 stdout，并把原因记为第一条日志。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	out, fallback := openOutput(cfg)
	if fallback != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallback)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{upstream: cfg.Upstream})

	// 第三方库经 logrus 标准 logger 输出时沿用同一格式与去向。
	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(logger.Out)
	std.SetLevel(level)

	if fallback != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallback.Error())
	}
	return logger, nil
}

// openOutput 返回日志去向；LogFilePath 为空时是 stdout，目录无法创建时同样退回 stdout 并返回原因。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 为每条日志补充 service 与 upstream 字段，调用方已设置的同名字段保持不变。
type serviceHook struct {
	upstream string
}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	if _, ok := entry.Data["upstream"]; !ok && h.upstream != "" {
		entry.Data["upstream"] = h.upstream
	}
	return nil
}
