package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/faults"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// pipeTransport stands in for a subprocess: the fake server reads
// requests from one pipe pair and answers on the other, and exit breaks
// both ends the way a dying child would.
type pipeTransport struct {
	reqR  *io.PipeReader
	reqW  *io.PipeWriter
	respR *io.PipeReader
	respW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error
}

func newPipeTransport() *pipeTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	return &pipeTransport{
		reqR:  reqR,
		reqW:  reqW,
		respR: respR,
		respW: respW,
		done:  make(chan struct{}),
	}
}

func (t *pipeTransport) Start() error           { return nil }
func (t *pipeTransport) Writer() io.Writer      { return t.reqW }
func (t *pipeTransport) Reader() io.Reader      { return t.respR }
func (t *pipeTransport) Signal(os.Signal) error { t.exit(nil); return nil }
func (t *pipeTransport) Kill() error            { t.exit(nil); return nil }
func (t *pipeTransport) Done() <-chan struct{}  { return t.done }

func (t *pipeTransport) Wait() error {
	<-t.done
	return t.exitErr
}

func (t *pipeTransport) exit(err error) {
	t.exitOnce.Do(func() {
		t.exitErr = err
		t.reqW.Close()
		t.reqR.Close()
		t.respW.Close()
		close(t.done)
	})
}

// serve pumps a line-oriented JSON-RPC loop over tr. handle returns the
// response to write, or nil to leave the request unanswered; exit makes
// the fake child die after consuming the request.
func serve(tr *pipeTransport, handle func(req rpcRequest) (resp *rpcResponse, exit bool)) {
	go func() {
		scanner := bufio.NewScanner(tr.reqR)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp, exit := handle(req)
			if exit {
				tr.exit(errors.New("exit status 137"))
				return
			}
			if resp == nil {
				continue
			}
			line, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if _, err := tr.respW.Write(append(line, '\n')); err != nil {
				return
			}
		}
	}()
}

func okResponse(id uint64, result any) *rpcResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return &rpcResponse{JSONRPC: "2.0", ID: &id, Result: raw}
}

func errResponse(id uint64, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: msg}}
}

// scriptedServer answers the handshake and discovery methods and routes
// tools/call to call. resources/list answers method-not-found, which
// the client must tolerate.
func scriptedServer(tools []ToolSchema, call func(req rpcRequest) (*rpcResponse, bool)) func(rpcRequest) (*rpcResponse, bool) {
	return func(req rpcRequest) (*rpcResponse, bool) {
		switch req.Method {
		case methodInitialize:
			return okResponse(req.ID, initializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      serverInfo{Name: "fake-server", Version: "0.0.1"},
			}), false
		case methodToolsList:
			return okResponse(req.ID, toolsListResult{Tools: tools}), false
		case methodResourcesList:
			return errResponse(req.ID, codeMethodNotFound, "method not found"), false
		case methodToolsCall:
			return call(req)
		}
		return errResponse(req.ID, codeMethodNotFound, "unknown method"), false
	}
}

func balanceTool() ToolSchema {
	return ToolSchema{
		Name:        "get_balance",
		Description: "wallet balance lookup",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"address": {"type": "string"}},
			"required": ["address"]
		}`),
	}
}

func textResult(id uint64, text string) *rpcResponse {
	return okResponse(id, ToolResult{Content: []ContentItem{{Type: "text", Text: text}}})
}

func startedClient(t *testing.T, tools []ToolSchema, call func(req rpcRequest) (*rpcResponse, bool)) (*Client, *pipeTransport) {
	t.Helper()
	tr := newPipeTransport()
	serve(tr, scriptedServer(tools, call))
	c := newClient("u1/wallet", tr, testLogger{})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { tr.exit(nil) })
	return c, tr
}

func TestStartHandshakesAndDiscoversTools(t *testing.T) {
	c, _ := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, "{}"), false
	})

	assert.Equal(t, StateReady, c.State())
	tools := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "get_balance", tools[0].Name)
	assert.Empty(t, c.ListResources(), "method-not-found leaves the resource cache empty")
}

func TestCallToolRoundTrip(t *testing.T) {
	var got toolsCallParams
	c, _ := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			return errResponse(req.ID, -32700, "bad params"), false
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			return errResponse(req.ID, -32700, "bad params"), false
		}
		return textResult(req.ID, `{"balance":"1.5"}`), false
	})

	res, err := c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, `{"balance":"1.5"}`, res.Text())
	assert.False(t, res.IsError)
	assert.Equal(t, "get_balance", got.Name)
	assert.Equal(t, "0xabc", got.Arguments["address"])
	assert.Equal(t, StateReady, c.State(), "client returns to READY after the call")
}

func TestCallToolValidatesArguments(t *testing.T) {
	served := 0
	c, _ := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		served++
		return textResult(req.ID, "{}"), false
	})

	_, err := c.CallTool(context.Background(), "get_balance", map[string]any{})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err), "missing required arg must be rejected")

	_, err = c.CallTool(context.Background(), "get_balance", map[string]any{"address": 42})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err), "wrong arg type must be rejected")

	_, err = c.CallTool(context.Background(), "transfer_funds", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err), "undiscovered tool must be rejected")

	assert.Zero(t, served, "rejected calls never reach the child")
}

func TestCallToolServerErrorSurfaces(t *testing.T) {
	c, _ := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return errResponse(req.ID, -32000, "rpc node unreachable"), false
	})

	_, err := c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc node unreachable")
	assert.Equal(t, StateReady, c.State(), "an rpc error is the server answering, not dying")
}

func TestChildCrashMidCallRejectsPending(t *testing.T) {
	c, _ := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return nil, true
	})

	_, err := c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err), "pending call rejects when the child dies")
	assert.Equal(t, StateFailed, c.State())

	_, err = c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err), "calls after the crash fail fast")
}

func TestCallToolTimeoutRetiresClient(t *testing.T) {
	tr := newPipeTransport()
	serve(tr, scriptedServer([]ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return nil, false
	}))
	c := newClient("u1/wallet", tr, testLogger{}).WithRPCTimeout(30 * time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { tr.exit(nil) })

	_, err := c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindDeadline, faults.KindOf(err))

	assert.Equal(t, StateFailed, c.State(),
		"a child that stops answering by id cannot be trusted with further requests")
}

func TestHealthProbeFailuresRetireClient(t *testing.T) {
	listCalls := 0
	tr := newPipeTransport()
	serve(tr, func(req rpcRequest) (*rpcResponse, bool) {
		switch req.Method {
		case methodInitialize:
			return okResponse(req.ID, initializeResult{ProtocolVersion: ProtocolVersion}), false
		case methodResourcesList:
			return errResponse(req.ID, codeMethodNotFound, "method not found"), false
		case methodToolsList:
			listCalls++
			if listCalls == 1 {
				return okResponse(req.ID, toolsListResult{Tools: []ToolSchema{balanceTool()}}), false
			}
			return errResponse(req.ID, -32000, "overloaded"), false
		}
		return errResponse(req.ID, codeMethodNotFound, "unknown method"), false
	})

	c := newClient("u1/wallet", tr, testLogger{}).WithHealthProbe(10*time.Millisecond, 2)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { tr.exit(nil) })

	assert.Eventually(t, func() bool { return c.State() == StateFailed },
		time.Second, 5*time.Millisecond)
}

func TestStopTerminatesChild(t *testing.T) {
	c, tr := startedClient(t, []ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, "{}"), false
	})

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())

	select {
	case <-tr.Done():
	default:
		t.Fatal("stop must terminate the child process")
	}

	_, err := c.CallTool(context.Background(), "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))
}

func TestStopBeforeStartIsClean(t *testing.T) {
	c := newClient("u1/wallet", newPipeTransport(), testLogger{})
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestDoubleStartRejected(t *testing.T) {
	c, _ := startedClient(t, nil, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, "{}"), false
	})

	err := c.Start(context.Background())
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))
}
