package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/models"
)

// LogSink persists log rows in batches.
type LogSink interface {
	AppendLogs(ctx context.Context, entries []*models.LogEntry) error
}

// LogWriter buffers execution log rows and writes them in batches, so a
// chatty block costs one insert per batch instead of one per line. The
// matching execution_log event still goes out per line; subscribers see
// logs live regardless of batching.
type LogWriter struct {
	sink   LogSink
	pub    events.Publisher
	logger Logger

	size     int
	interval time.Duration

	mu   sync.Mutex
	buf  []*models.LogEntry
	stop chan struct{}
	done chan struct{}
}

// NewLogWriter starts a writer flushing at size entries or every
// interval, whichever comes first.
func NewLogWriter(sink LogSink, pub events.Publisher, logger Logger, size int, interval time.Duration) *LogWriter {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if size <= 0 {
		size = 64
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	w := &LogWriter{
		sink:     sink,
		pub:      pub,
		logger:   logger,
		size:     size,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Log buffers one entry and publishes its live event.
func (w *LogWriter) Log(executionID uuid.UUID, nodeID *string, level models.LogLevel, msg string, fields map[string]any) {
	entry := &models.LogEntry{
		ID:          uuid.New(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     msg,
		Fields:      fields,
		CreatedAt:   time.Now().UTC(),
	}
	w.pub.Publish(events.Log(entry))

	w.mu.Lock()
	w.buf = append(w.buf, entry)
	full := len(w.buf) >= w.size
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Flush writes everything buffered so far.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sink.AppendLogs(ctx, batch); err != nil {
		w.logger.Warn("failed to persist log batch", "entries", len(batch), "error", err)
	}
}

// Close flushes the remaining buffer and stops the ticker loop.
func (w *LogWriter) Close() {
	close(w.stop)
	<-w.done
	w.Flush()
}

func (w *LogWriter) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.stop:
			return
		}
	}
}

// execLogger adapts the process logger into the per-node block logger:
// every line also becomes a persisted, streamed execution log entry.
type execLogger struct {
	base        Logger
	w           *LogWriter
	executionID uuid.UUID
	nodeID      string
}

func newExecLogger(base Logger, w *LogWriter, executionID uuid.UUID, nodeID string) *execLogger {
	return &execLogger{base: base, w: w, executionID: executionID, nodeID: nodeID}
}

func (l *execLogger) Info(msg string, keysAndValues ...interface{}) {
	l.base.Info(msg, keysAndValues...)
	l.record(models.LogInfo, msg, keysAndValues)
}

func (l *execLogger) Error(msg string, keysAndValues ...interface{}) {
	l.base.Error(msg, keysAndValues...)
	l.record(models.LogError, msg, keysAndValues)
}

func (l *execLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.base.Warn(msg, keysAndValues...)
	l.record(models.LogWarn, msg, keysAndValues)
}

func (l *execLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.base.Debug(msg, keysAndValues...)
	l.record(models.LogDebug, msg, keysAndValues)
}

func (l *execLogger) record(level models.LogLevel, msg string, keysAndValues []interface{}) {
	if l.w == nil {
		return
	}
	nodeID := l.nodeID
	l.w.Log(l.executionID, &nodeID, level, msg, fieldsOf(keysAndValues))
}

// fieldsOf pairs up variadic key/value arguments. A dangling value
// lands under "extra" rather than getting dropped.
func fieldsOf(keysAndValues []interface{}) map[string]any {
	if len(keysAndValues) == 0 {
		return nil
	}
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 != 0 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}
