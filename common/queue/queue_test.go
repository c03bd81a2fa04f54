package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestExecutionStart_EncodeDecode(t *testing.T) {
	msg := &ExecutionStart{
		Type:        TypeExecutionStart,
		ExecutionID: uuid.New(),
		WorkflowID:  uuid.New(),
		UserID:      "user-42",
		EnqueuedAt:  time.Now().UTC().Truncate(time.Second),
		Attempt:     1,
	}

	values, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodeExecutionStart(values)
	if err != nil {
		t.Fatalf("DecodeExecutionStart: %v", err)
	}
	if got.ExecutionID != msg.ExecutionID || got.WorkflowID != msg.WorkflowID {
		t.Errorf("ids changed in transit: %+v", got)
	}
	if got.UserID != "user-42" || got.Attempt != 1 {
		t.Errorf("fields changed in transit: %+v", got)
	}
}

func TestDecodeExecutionStart_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing field", map[string]interface{}{"other": "x"}},
		{"not json", map[string]interface{}{"message": "{{{"}},
		{"wrong type", map[string]interface{}{"message": `{"type":"SomethingElse"}`}},
		{"nil execution id", map[string]interface{}{"message": `{"type":"ExecutionStart","workflow_id":"` + uuid.NewString() + `"}`}},
		{"nil workflow id", map[string]interface{}{"message": `{"type":"ExecutionStart","execution_id":"` + uuid.NewString() + `"}`}},
	}

	for _, tc := range cases {
		if _, err := DecodeExecutionStart(tc.values); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
