package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// InitLogger 按 cfg.Log 初始化 logrus 标准日志
func InitLogger(cfg *Config) error {
	if err := ConfigureLogger(logrus.StandardLogger(), cfg.Log); err != nil {
		return err
	}
	logrus.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	return nil
}

// ConfigureLogger 设置日志级别、格式与输出
func ConfigureLogger(l *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		l.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	out, err := logOutput(lc)
	if err != nil {
		return err
	}
	l.SetOutput(out)
	l.SetReportCaller(level >= logrus.DebugLevel)
	return nil
}

func logOutput(lc LogConfig) (io.Writer, error) {
	switch strings.ToLower(lc.Output) {
	case "file":
		return rotatingFile(lc)
	case "both":
		w, err := rotatingFile(lc)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stdout, w), nil
	}
	return os.Stdout, nil
}

func rotatingFile(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize, // MB
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge, // days
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
