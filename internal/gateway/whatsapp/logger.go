package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/memohai/wagateway/internal/logger"
)

// slogWALogger routes whatsmeow's printf-style logs into slog.
type slogWALogger struct {
	log    *slog.Logger
	module string
	min    slog.Level
}

var _ waLog.Logger = (*slogWALogger)(nil)

func newWALogger(log *slog.Logger, level string) waLog.Logger {
	return &slogWALogger{log: log, min: logger.ParseLevel(level)}
}

func (l *slogWALogger) Errorf(msg string, args ...interface{}) {
	l.emit(slog.LevelError, msg, args...)
}

func (l *slogWALogger) Warnf(msg string, args ...interface{}) {
	l.emit(slog.LevelWarn, msg, args...)
}

func (l *slogWALogger) Infof(msg string, args ...interface{}) {
	l.emit(slog.LevelInfo, msg, args...)
}

func (l *slogWALogger) Debugf(msg string, args ...interface{}) {
	l.emit(slog.LevelDebug, msg, args...)
}

func (l *slogWALogger) Sub(module string) waLog.Logger {
	name := module
	if l.module != "" {
		name = l.module + "/" + module
	}
	return &slogWALogger{log: l.log, module: name, min: l.min}
}

func (l *slogWALogger) emit(level slog.Level, msg string, args ...interface{}) {
	if level < l.min || !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(msg, args...), slog.String("module", l.module))
}
