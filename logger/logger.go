package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// InfoLogger 信息日志实例
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志实例
	ErrorLogger *logrus.Logger

	debugMask uint32
)

// Debug mask bits select which components emit hot-path debug output.
const (
	DebugPageCache uint32 = 1 << iota
	DebugSerialLog
	DebugTransactions
	DebugMDL
	DebugGopher
	DebugRecovery
	DebugRecords
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
	DebugMask    uint32
}

// CustomFormatter 自定义日志格式化器
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var fields strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}

	logMsg := fmt.Sprintf("[%s] [%s] (%s) %s%s\n",
		timestamp,
		level,
		getCaller(),
		entry.Message,
		fields.String())

	return []byte(logMsg), nil
}

// getCaller 获取调用者信息
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		// 跳过日志库本身的调用
		if strings.Contains(file, "sirupsen") ||
			strings.Contains(file, "/logger.go") ||
			strings.Contains(file, "/entry.go") {
			continue
		}

		funcName := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}

	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别字符串为logrus级别
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"})
	l.SetLevel(level)
	l.SetOutput(out)
	return l
}

func init() {
	Logger = newLogger(logrus.InfoLevel, os.Stdout)
	InfoLogger = Logger
	ErrorLogger = newLogger(logrus.InfoLevel, os.Stderr)
}

// InitLogger 初始化日志
func InitLogger(config LogConfig) error {
	level := parseLogLevel(config.LogLevel)
	atomic.StoreUint32(&debugMask, config.DebugMask)

	InfoLogger = newLogger(level, os.Stdout)
	if config.InfoLogPath != "" {
		infoLogFile, err := openLogFile(config.InfoLogPath)
		if err != nil {
			InfoLogger.Warnf("Failed to open info log file %s, fallback to stdout: %v", config.InfoLogPath, err)
		} else {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, infoLogFile))
		}
	}

	ErrorLogger = newLogger(level, os.Stderr)
	if config.ErrorLogPath != "" {
		errorLogFile, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.Warnf("Failed to open error log file %s, fallback to stderr: %v", config.ErrorLogPath, err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, errorLogFile))
		}
	}

	// 主日志器输出到信息日志
	Logger = newLogger(level, InfoLogger.Out)
	return nil
}

// openLogFile 打开日志文件
func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// DebugEnabled reports whether hot-path debug output is on for a component.
func DebugEnabled(bit uint32) bool {
	return atomic.LoadUint32(&debugMask)&bit != 0
}

// SetDebugMask replaces the component debug mask.
func SetDebugMask(mask uint32) {
	atomic.StoreUint32(&debugMask, mask)
}

// WithFields returns a structured entry on the main logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	InfoLogger.Info(args...)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	InfoLogger.Infof(format, args...)
}

// Debug 记录调试日志
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Warn 记录警告日志
func Warn(args ...interface{}) {
	Logger.Warn(args...)
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error 记录错误日志
func Error(args ...interface{}) {
	ErrorLogger.Error(args...)
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	ErrorLogger.Errorf(format, args...)
}
