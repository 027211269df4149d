package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DebugEnvVar = "OPENCUFF_DEBUG"

func CheckDebug() bool {
	debug := os.Getenv(DebugEnvVar)
	return debug == "true" || debug == "1"
}

// NewLogger builds the process logger. Records always go to stderr as JSON
// (stdout may carry the MCP stdio protocol). In debug mode the level drops to
// debug and a human-readable copy is appended to <dataDir>/debug.log.
func NewLogger(dataDir string, debug bool) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level.SetLevel(zap.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	if debug && dataDir != "" {
		if err := EnsureDataDirPermissions(dataDir); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logPath := filepath.Join(dataDir, "debug.log")

		// 0600 - may contain plugin arguments and config
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open debug log at %s: %w", logPath, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zap.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if debug {
		logger.Debug("debug logging started", zap.String("data_dir", dataDir))
	}
	return logger, nil
}
