package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.SugaredLogger
)

// Init builds the process logger: console encoding to stdout plus a dated
// file under logDir.
func Init(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("agentex_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
		zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.InfoLevel),
	)

	mu.Lock()
	base = zap.New(core).Sugar()
	mu.Unlock()
	return nil
}

func Info(format string, v ...interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		l.Infof(format, v...)
		return
	}
	zap.S().Infof(format, v...)
}

func Error(format string, v ...interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		l.Errorf(format, v...)
		return
	}
	zap.S().Errorf(format, v...)
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}
