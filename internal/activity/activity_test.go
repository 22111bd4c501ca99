package activity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wagateway/internal/metrics"
)

type fakeSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	block   chan struct{}
}

func (s *fakeSink) Write(ctx context.Context, rec Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *fakeSink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoggerDeliversInOrderAndFillsDefaults(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	l := NewLogger(discardLogger(), sink, 8, nil)
	l.Log(Record{Service: ServiceGateway, Message: "first"})
	l.Log(Record{Service: ServiceBot, Level: LevelError, Message: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, LevelInfo, got[0].Level)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, LevelError, got[1].Level)
}

func TestLoggerSwallowsSinkErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	sink := &fakeSink{err: errors.New("db down")}
	l := NewLogger(log, sink, 4, nil)
	l.Log(Record{Service: ServiceGateway, Message: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
	assert.Contains(t, buf.String(), "activity write failed")
}

func TestLoggerDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{block: make(chan struct{})}
	m := metrics.New()
	l := NewLogger(discardLogger(), sink, 1, m)

	// One record is held by the blocked worker, one fills the queue.
	l.Log(Record{Message: "a"})
	require.Eventually(t, func() bool { return len(l.queue) == 0 }, time.Second, 5*time.Millisecond)
	l.Log(Record{Message: "b"})
	done := make(chan struct{})
	go func() {
		l.Log(Record{Message: "c"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivityDropped))

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
	assert.Len(t, sink.snapshot(), 2)
}

func TestLoggerIgnoresRecordsAfterClose(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	l := NewLogger(discardLogger(), sink, 4, nil)
	require.NoError(t, l.Close(context.Background()))
	l.Log(Record{Message: "late"})
	assert.Empty(t, sink.snapshot())
	require.NoError(t, l.Close(context.Background()))
}

func TestSlogSinkWritesLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, sink.Write(context.Background(), Record{
		Service:  ServiceBot,
		Level:    LevelError,
		Message:  "Error processing message",
		Metadata: map[string]any{"tenantId": "T1"},
	}))
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "service=BOT")
	assert.Contains(t, out, "T1")
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pgx5://u:p@db:5432/app", migrateURL("postgres://u:p@db:5432/app"))
	assert.Equal(t, "pgx5://db/app?sslmode=disable", migrateURL("postgresql://db/app?sslmode=disable"))
	assert.Equal(t, "pgx5://db/app", migrateURL("pgx5://db/app"))
}
