package blocks

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

// testCtx builds an ExecContext with the given data context.
func testCtx(data map[string]any) *ExecContext {
	if data == nil {
		data = map[string]any{}
	}
	return &ExecContext{
		ExecutionID: uuid.New(),
		WorkflowID:  uuid.New(),
		UserID:      "user-1",
		NodeID:      "node-1",
		Attempt:     1,
		Data:        data,
		Meta:        map[string]any{},
		Logger:      testLogger{},
	}
}

func testNode(kind string, config map[string]any) *models.Node {
	return &models.Node{ID: "node-1", Kind: kind, Config: config}
}

func newTestProcessor() *template.Processor {
	return template.NewProcessor()
}

// roundTripFunc serves canned responses without a network listener, so
// handlers with hardwired hosts stay testable.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
