package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

func TestLogWriterFlushesOnBatchSize(t *testing.T) {
	store := repository.NewMemoryStore()
	pub := &capturingPublisher{}
	w := NewLogWriter(store, pub, testLogger{}, 2, time.Hour)
	defer w.Close()

	execID := uuid.New()
	nodeID := "node-1"

	w.Log(execID, &nodeID, models.LogInfo, "first", nil)
	assert.Empty(t, store.Logs(), "below the batch size nothing is written")

	w.Log(execID, &nodeID, models.LogWarn, "second", map[string]any{"attempt": 2})

	logs := store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, models.LogWarn, logs[1].Level)
	require.NotNil(t, logs[1].Fields)
	assert.Equal(t, 2, logs[1].Fields["attempt"])

	// Live events go out per line, not per batch.
	assert.Len(t, pub.ofKind(events.ExecutionLog), 2)
}

func TestLogWriterFlushesOnClose(t *testing.T) {
	store := repository.NewMemoryStore()
	w := NewLogWriter(store, nil, testLogger{}, 100, time.Hour)

	w.Log(uuid.New(), nil, models.LogError, "pending", nil)
	assert.Empty(t, store.Logs())

	w.Close()

	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogError, logs[0].Level)
	assert.Nil(t, logs[0].NodeID)
}

func TestLogWriterFlushesOnInterval(t *testing.T) {
	store := repository.NewMemoryStore()
	w := NewLogWriter(store, nil, testLogger{}, 100, 10*time.Millisecond)
	defer w.Close()

	w.Log(uuid.New(), nil, models.LogInfo, "tick", nil)

	require.Eventually(t, func() bool {
		return len(store.Logs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecLoggerRecordsThroughWriter(t *testing.T) {
	store := repository.NewMemoryStore()
	w := NewLogWriter(store, nil, testLogger{}, 1, time.Hour)
	defer w.Close()

	execID := uuid.New()
	l := newExecLogger(testLogger{}, w, execID, "node-7")

	l.Error("block failed", "kind", "HTTP", "attempt", 3)

	logs := store.Logs()
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, execID, entry.ExecutionID)
	require.NotNil(t, entry.NodeID)
	assert.Equal(t, "node-7", *entry.NodeID)
	assert.Equal(t, models.LogError, entry.Level)
	assert.Equal(t, "block failed", entry.Message)
	assert.Equal(t, "HTTP", entry.Fields["kind"])
	assert.Equal(t, 3, entry.Fields["attempt"])
}

func TestExecLoggerWithoutWriter(t *testing.T) {
	l := newExecLogger(testLogger{}, nil, uuid.New(), "node-1")
	assert.NotPanics(t, func() { l.Info("fine", "k", "v") })
}

func TestFieldsOf(t *testing.T) {
	assert.Nil(t, fieldsOf(nil))

	assert.Equal(t,
		map[string]any{"a": 1, "b": "two"},
		fieldsOf([]interface{}{"a", 1, "b", "two"}))

	// Non-string keys are stringified rather than dropped.
	assert.Equal(t,
		map[string]any{"42": "answer"},
		fieldsOf([]interface{}{42, "answer"}))

	fields := fieldsOf([]interface{}{"a", 1, "dangling"})
	assert.Equal(t, 1, fields["a"])
	assert.Equal(t, "dangling", fields["extra"])
}
