// Package activity records operational events for later inspection.
// Writes are queued and flushed by a background worker; callers never
// block on, or see errors from, the underlying sink.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/wagateway/internal/metrics"
)

const (
	ServiceGateway = "GATEWAY"
	ServiceBot     = "BOT"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Record struct {
	Service   string
	Level     Level
	Message   string
	Timestamp time.Time
	Metadata  map[string]any
}

// Sink persists records. Implementations may be slow or fail.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Recorder is what the gateway depends on.
type Recorder interface {
	Log(rec Record)
}

type Logger struct {
	sink         Sink
	logger       *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewLogger(log *slog.Logger, sink Sink, queueSize int, m *metrics.Metrics) *Logger {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	l := &Logger{
		sink:         sink,
		logger:       log.With(slog.String("component", "activity")),
		metrics:      m,
		writeTimeout: 5 * time.Second,
		queue:        make(chan Record, queueSize),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues rec. When the queue is full the record is dropped.
func (l *Logger) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Level == "" {
		rec.Level = LevelInfo
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.metrics.RecordActivityDropped()
		l.logger.Warn("activity queue full, dropping record",
			slog.String("service", rec.Service),
			slog.String("message", rec.Message),
		)
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.queue {
		l.write(rec)
	}
}

func (l *Logger) write(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("activity sink panic", slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if err := l.sink.Write(ctx, rec); err != nil {
		l.logger.Warn("activity write failed",
			slog.String("service", rec.Service),
			slog.String("message", rec.Message),
			slog.Any("error", err),
		)
	}
}

// SlogSink writes records to the process log. Used when no database is configured.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{logger: log.With(slog.String("component", "activity"))}
}

func (s *SlogSink) Write(ctx context.Context, rec Record) error {
	level := slog.LevelInfo
	switch rec.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("service", rec.Service),
		slog.Time("timestamp", rec.Timestamp),
	}
	if len(rec.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", rec.Metadata))
	}
	s.logger.LogAttrs(ctx, level, rec.Message, attrs...)
	return nil
}
