package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger 全局日志实例, 库内部只在 debug 级别输出连接过程
var Logger *slog.Logger
var LogLevel *slog.LevelVar

func init() {
	LogLevel = &slog.LevelVar{}
	LogLevel.Set(slog.LevelError) // 默认只输出错误
	Logger = New(os.Stderr)
}

// New 创建共享 LogLevel 的 logger, 时间字段统一命名为 timestamp
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: LogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{Key: "timestamp", Value: slog.TimeValue(a.Value.Time())}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput 替换全局 logger 的输出目标
func SetOutput(w io.Writer) {
	Logger = New(w)
}

// SetLogLevel 运行时调整级别, 无法识别的级别保持不变
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		LogLevel.Set(slog.LevelDebug)
	case "info":
		LogLevel.Set(slog.LevelInfo)
	case "warn":
		LogLevel.Set(slog.LevelWarn)
	case "error":
		LogLevel.Set(slog.LevelError)
	}
}
