package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/faults"
)

// fakeSupervisor returns a supervisor whose transports are in-memory
// fake servers, one per registration in spawn order.
func fakeSupervisor(handlers ...func(req rpcRequest) (*rpcResponse, bool)) *Supervisor {
	s := NewSupervisor(testLogger{})
	spawned := 0
	s.newTransport = func(string, []string, map[string]string) transport {
		tr := newPipeTransport()
		serve(tr, handlers[spawned])
		spawned++
		return tr
	}
	return s
}

func walletReg() Registration {
	return Registration{
		UserID:  "u1",
		Name:    "wallet",
		Command: "node",
		Args:    []string{"wallet-server.js"},
	}
}

func TestRegisterRequiresIdentityAndCommand(t *testing.T) {
	s := NewSupervisor(testLogger{})
	for _, reg := range []Registration{
		{Name: "wallet", Command: "node"},
		{UserID: "u1", Command: "node"},
		{UserID: "u1", Name: "wallet"},
	} {
		_, err := s.Register(context.Background(), reg)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	}
}

func TestRegisterDiscoverInvoke(t *testing.T) {
	s := fakeSupervisor(scriptedServer([]ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, `{"balance":"1.5"}`), false
	}))

	id, err := s.Register(context.Background(), walletReg())
	require.NoError(t, err)
	assert.Equal(t, "u1/wallet", id)

	tools, err := s.Discover(id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_balance", tools[0].Name)

	res, err := s.Invoke(context.Background(), id, "get_balance", map[string]any{"address": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, `{"balance":"1.5"}`, res.Text())

	assert.Equal(t, map[string]State{"u1/wallet": StateReady}, s.States())
}

func TestInvokeUnknownServer(t *testing.T) {
	s := NewSupervisor(testLogger{})
	_, err := s.Invoke(context.Background(), "u1/wallet", "get_balance", nil)
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))

	_, err = s.Discover("u1/wallet")
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))
}

func TestReRegistrationRestoresService(t *testing.T) {
	crashing := scriptedServer([]ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return nil, true
	})
	healthy := scriptedServer([]ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, `{"balance":"2.0"}`), false
	})
	s := fakeSupervisor(crashing, healthy)

	id, err := s.Register(context.Background(), walletReg())
	require.NoError(t, err)

	_, err = s.Invoke(context.Background(), id, "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))
	assert.Equal(t, StateFailed, s.States()[id])

	_, err = s.Invoke(context.Background(), id, "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err), "failed child stays failed until replaced")

	id2, err := s.Register(context.Background(), walletReg())
	require.NoError(t, err)
	assert.Equal(t, id, id2, "identity pair keeps its server id across restarts")

	res, err := s.Invoke(context.Background(), id, "get_balance", map[string]any{"address": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, `{"balance":"2.0"}`, res.Text())
}

func TestDeregisterStopsChild(t *testing.T) {
	s := fakeSupervisor(scriptedServer([]ToolSchema{balanceTool()}, func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, "{}"), false
	}))

	id, err := s.Register(context.Background(), walletReg())
	require.NoError(t, err)

	require.NoError(t, s.Deregister(context.Background(), id))
	assert.Empty(t, s.States())

	_, err = s.Invoke(context.Background(), id, "get_balance", map[string]any{"address": "0xabc"})
	assert.Equal(t, faults.KindSupervisor, faults.KindOf(err))

	assert.NoError(t, s.Deregister(context.Background(), id), "unknown ids are a no-op")
}

func TestShutdownStopsEveryServer(t *testing.T) {
	handler := func(req rpcRequest) (*rpcResponse, bool) {
		return textResult(req.ID, "{}"), false
	}
	s := fakeSupervisor(
		scriptedServer([]ToolSchema{balanceTool()}, handler),
		scriptedServer([]ToolSchema{balanceTool()}, handler),
	)

	_, err := s.Register(context.Background(), walletReg())
	require.NoError(t, err)
	reg := walletReg()
	reg.Name = "dex"
	_, err = s.Register(context.Background(), reg)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Empty(t, s.States())
}
