// Package observability holds the process-wide loggers of the gobatch binary.
// Library packages take a *zap.Logger explicitly and never reach for these.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It discards everything until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger on stderr tagged with serviceName.
// verbose switches to debug level; otherwise level is used ("info" if empty
// or unknown).
func InitCLILogger(serviceName, level string, verbose bool) {
	CLILogger = NewCLILogger(serviceName, level, verbose)
}

// NewCLILogger builds the logger InitCLILogger installs.
func NewCLILogger(serviceName, level string, verbose bool) *zap.Logger {
	lvl := ParseLevel(level)
	if verbose {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))

	return zap.New(core).With(zap.String("service", serviceName))
}

// NewServerLogger returns a JSON logger for the long-running server.
func NewServerLogger(serviceName, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return NewCLILogger(serviceName, level, false)
	}
	return logger.With(zap.String("service", serviceName))
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
