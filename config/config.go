// This package defines a common config struct which can be used by any subsystem within finch.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Reporter receives store and pipeline errors for telemetry. Reporting is
// best-effort and must never throw back into the caller.
type Reporter func(error)

type Config struct {
	Debug              bool
	RootDir            string
	LoggingPrefix      string
	JobWorkerCount     int
	MaxJobAttempts     int
	JobPollIntervalMs  int64
	BackupWatchdogMs   int64
	VacuumIntervalDays int
	Report             Reporter
	writer             io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

// ReportError forwards err to the configured reporter, if any.
func (c Config) ReportError(err error) {
	if c.Report == nil || err == nil {
		return
	}
	c.Report(err)
}

func (c Config) BackupWatchdog() time.Duration {
	return time.Duration(c.BackupWatchdogMs) * time.Millisecond
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithJobWorkerCount(n int) Option {
	return func(c *Config) {
		c.JobWorkerCount = n
	}
}

func WithMaxJobAttempts(n int) Option {
	return func(c *Config) {
		c.MaxJobAttempts = n
	}
}

func WithJobPollIntervalMs(n int64) Option {
	return func(c *Config) {
		c.JobPollIntervalMs = n
	}
}

func WithBackupWatchdogMs(n int64) Option {
	return func(c *Config) {
		c.BackupWatchdogMs = n
	}
}

func WithVacuumIntervalDays(n int) Option {
	return func(c *Config) {
		c.VacuumIntervalDays = n
	}
}

func WithReporter(r Reporter) Option {
	return func(c *Config) {
		c.Report = r
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:              os.Getenv("DEBUG") == "1",
		RootDir:            ".",
		LoggingPrefix:      "",
		JobWorkerCount:     4,
		MaxJobAttempts:     10,
		JobPollIntervalMs:  5000,
		BackupWatchdogMs:   5000,
		VacuumIntervalDays: 14,
		Report:             nil,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
