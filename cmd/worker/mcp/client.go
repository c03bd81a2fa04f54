package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/blockpilot/worker/common/faults"
)

// Logger interface for tool-server lifecycle logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// State is a lifecycle phase of a tool-server child. FAILED is a sink:
// a failed client is never reused, only replaced by re-registration.
type State string

const (
	StateNew         State = "NEW"
	StateSpawning    State = "SPAWNING"
	StateHandshaking State = "HANDSHAKING"
	StateReady       State = "READY"
	StateBusy        State = "BUSY"
	StateDraining    State = "DRAINING"
	StateStopped     State = "STOPPED"
	StateFailed      State = "FAILED"
)

const (
	clientName    = "blockpilot-worker"
	clientVersion = "1.0.0"

	defaultHandshakeTimeout = 5 * time.Second
	defaultRPCTimeout       = 30 * time.Second
	defaultHealthInterval   = 30 * time.Second
	defaultHealthFailures   = 3

	// termGrace is how long a draining child gets between SIGTERM and
	// SIGKILL.
	termGrace = 5 * time.Second

	// maxLine bounds one stdout line; tool results above this are a
	// protocol violation.
	maxLine = 8 << 20
)

// Client drives one tool-server subprocess: spawn, handshake, schema
// discovery, request multiplexing and shutdown. All exported methods
// are safe for concurrent use; responses are matched to requests by id
// by a single reader goroutine that owns the pending map.
type Client struct {
	name   string
	logger Logger
	tr     transport

	handshakeTimeout time.Duration
	rpcTimeout       time.Duration
	healthInterval   time.Duration
	healthFailures   int

	nextID atomic.Uint64

	mu       sync.Mutex
	state    State
	inFlight int
	drained  chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *rpcResponse

	cacheMu   sync.RWMutex
	tools     []ToolSchema
	schemas   map[string]*jsonschema.Schema
	resources []Resource

	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewClient prepares a client for the given child command. Nothing is
// spawned until Start.
func NewClient(name, command string, args []string, env map[string]string, logger Logger) *Client {
	return newClient(name, newExecTransport(command, args, env), logger)
}

func newClient(name string, tr transport, logger Logger) *Client {
	return &Client{
		name:             name,
		logger:           logger,
		tr:               tr,
		handshakeTimeout: defaultHandshakeTimeout,
		rpcTimeout:       defaultRPCTimeout,
		healthInterval:   defaultHealthInterval,
		healthFailures:   defaultHealthFailures,
		state:            StateNew,
		pending:          make(map[uint64]chan *rpcResponse),
		schemas:          make(map[string]*jsonschema.Schema),
		closedCh:         make(chan struct{}),
	}
}

// WithHandshakeTimeout overrides the initialize deadline.
func (c *Client) WithHandshakeTimeout(d time.Duration) *Client {
	if d > 0 {
		c.handshakeTimeout = d
	}
	return c
}

// WithRPCTimeout overrides the per-request deadline.
func (c *Client) WithRPCTimeout(d time.Duration) *Client {
	if d > 0 {
		c.rpcTimeout = d
	}
	return c
}

// WithHealthProbe overrides the idle probe cadence and the consecutive
// failure budget.
func (c *Client) WithHealthProbe(interval time.Duration, failures int) *Client {
	if interval > 0 {
		c.healthInterval = interval
	}
	if failures > 0 {
		c.healthFailures = failures
	}
	return c
}

// Start spawns the child, performs the initialize handshake and caches
// the tool and resource listings. On return the client is READY; any
// error leaves it FAILED.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNew {
		state := c.state
		c.mu.Unlock()
		return faults.Supervisor("tool server %s already started (state %s)", c.name, state)
	}
	c.state = StateSpawning
	c.mu.Unlock()

	if err := c.tr.Start(); err != nil {
		c.fail(fmt.Sprintf("spawn failed: %v", err))
		return faults.Supervisor("tool server %s spawn failed: %v", c.name, err)
	}

	c.mu.Lock()
	c.state = StateHandshaking
	c.mu.Unlock()

	go c.readLoop()
	go c.watchExit()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	if err := c.handshake(hctx); err != nil {
		c.fail(fmt.Sprintf("handshake failed: %v", err))
		return faults.Supervisor("tool server %s handshake failed: %v", c.name, err)
	}
	if err := c.discover(hctx); err != nil {
		c.fail(fmt.Sprintf("discovery failed: %v", err))
		return faults.Supervisor("tool server %s discovery failed: %v", c.name, err)
	}

	c.mu.Lock()
	if c.state == StateHandshaking {
		c.state = StateReady
	}
	c.mu.Unlock()

	go c.healthLoop()

	c.logger.Info("tool server ready",
		"server", c.name,
		"tools", len(c.Tools()),
		"resources", len(c.ListResources()))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
		Capabilities:    map[string]any{},
	})
	if err != nil {
		return err
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode initialize response: %w", err)
	}
	c.logger.Debug("tool server handshake complete",
		"server", c.name,
		"server_name", res.ServerInfo.Name,
		"protocol", res.ProtocolVersion)
	return nil
}

func (c *Client) discover(ctx context.Context) error {
	if err := c.refreshTools(ctx); err != nil {
		return err
	}

	// Resource listing is optional in the protocol; servers without it
	// answer with method-not-found.
	raw, err := c.call(ctx, methodResourcesList, map[string]any{})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound {
			return nil
		}
		return err
	}
	var res resourcesListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode resources/list response: %w", err)
	}
	c.cacheMu.Lock()
	c.resources = res.Resources
	c.cacheMu.Unlock()
	return nil
}

// refreshTools replaces the cached tool schemas with a fresh
// tools/list result and recompiles the argument validators.
func (c *Client) refreshTools(ctx context.Context) error {
	raw, err := c.call(ctx, methodToolsList, map[string]any{})
	if err != nil {
		return err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode tools/list response: %w", err)
	}

	schemas := make(map[string]*jsonschema.Schema, len(res.Tools))
	compiler := jsonschema.NewCompiler()
	for _, tool := range res.Tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
		if err != nil {
			c.logger.Warn("tool schema is not valid JSON, skipping validation",
				"server", c.name, "tool", tool.Name, "error", err)
			continue
		}
		uri := fmt.Sprintf("mcp://%s/%s.json", c.name, tool.Name)
		if err := compiler.AddResource(uri, doc); err != nil {
			c.logger.Warn("failed to register tool schema",
				"server", c.name, "tool", tool.Name, "error", err)
			continue
		}
		compiled, err := compiler.Compile(uri)
		if err != nil {
			c.logger.Warn("failed to compile tool schema",
				"server", c.name, "tool", tool.Name, "error", err)
			continue
		}
		schemas[tool.Name] = compiled
	}

	c.cacheMu.Lock()
	c.tools = res.Tools
	c.schemas = schemas
	c.cacheMu.Unlock()
	return nil
}

// Tools returns the cached tool schemas from the last discovery.
func (c *Client) Tools() []ToolSchema {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// ListResources returns the cached resource listing.
func (c *Client) ListResources() []Resource {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallTool validates args against the discovered schema and performs a
// tools/call round trip under the per-request deadline. A timed-out
// call marks the whole client FAILED since the child can no longer be
// trusted to answer by id.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	if err := c.validateArgs(tool, args); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	raw, err := c.call(ctx, methodToolsCall, toolsCallParams{Name: tool, Arguments: args})
	if err != nil {
		if faults.KindOf(err) == faults.KindDeadline {
			c.fail(fmt.Sprintf("tools/call %s timed out after %s", tool, c.rpcTimeout))
		}
		return nil, err
	}

	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return &res, nil
}

func (c *Client) validateArgs(tool string, args map[string]any) error {
	c.cacheMu.RLock()
	known := false
	for _, t := range c.tools {
		if t.Name == tool {
			known = true
			break
		}
	}
	schema := c.schemas[tool]
	c.cacheMu.RUnlock()

	if !known {
		return faults.Validation("tool %q is not provided by server %s", tool, c.name)
	}
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so numbers match what the validator
	// expects regardless of how the caller built the map.
	encoded, err := json.Marshal(args)
	if err != nil {
		return faults.Validation("tool %q arguments are not JSON-encodable: %v", tool, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return faults.Validation("tool %q arguments are not valid JSON: %v", tool, err)
	}
	if err := schema.Validate(doc); err != nil {
		return faults.Validation("tool %q arguments rejected by schema: %v", tool, err)
	}
	return nil
}

// call issues one JSON-RPC request and waits for the id-matched
// response, the context, or client teardown, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.beginCall(); err != nil {
		return nil, err
	}
	defer c.endCall()

	id := c.nextID.Add(1)
	respCh := make(chan *rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if err := c.writeLine(line); err != nil {
		return nil, faults.Supervisor("tool server %s write failed: %v", c.name, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, faults.Deadline("", fmt.Errorf("tool server %s: %s timed out", c.name, method))
		}
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, faults.Supervisor("tool server %s terminated with %s in flight", c.name, method)
	}
}

func (c *Client) beginCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHandshaking, StateReady, StateBusy:
	default:
		return faults.Supervisor("tool server %s is %s", c.name, c.state)
	}
	c.inFlight++
	if c.state == StateReady {
		c.state = StateBusy
	}
	return nil
}

func (c *Client) endCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.inFlight > 0 {
		return
	}
	if c.state == StateBusy {
		c.state = StateReady
	}
	if c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

func (c *Client) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.tr.Writer().Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// readLoop is the only goroutine that resolves pending requests. It
// exits when the child's stdout closes.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.tr.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("discarding unparseable tool server output",
				"server", c.name, "error", err)
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing waits on it.
			continue
		}
		c.resolve(*resp.ID, &resp)
	}

	st := c.State()
	if st == StateDraining || st == StateStopped {
		return
	}
	reason := "stdout closed"
	if err := scanner.Err(); err != nil {
		reason = fmt.Sprintf("stdout read failed: %v", err)
	}
	c.fail(reason)
}

func (c *Client) resolve(id uint64, resp *rpcResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("dropping response with no pending request",
			"server", c.name, "id", id)
		return
	}
	ch <- resp
}

func (c *Client) watchExit() {
	<-c.tr.Done()
	err := c.tr.Wait()

	st := c.State()
	if st == StateDraining || st == StateStopped {
		return
	}
	reason := "child exited"
	if err != nil {
		reason = fmt.Sprintf("child exited: %v", err)
	}
	c.fail(reason)
}

// healthLoop probes tools/list while the client is idle. A successful
// probe refreshes the schema cache; three consecutive failures retire
// the client.
func (c *Client) healthLoop() {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
		}

		if c.State() != StateReady {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout)
		err := c.refreshTools(ctx)
		cancel()

		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Warn("tool server health probe failed",
			"server", c.name, "consecutive", failures, "error", err)
		if failures >= c.healthFailures {
			c.fail(fmt.Sprintf("%d consecutive health probe failures", failures))
			return
		}
	}
}

// fail moves the client to FAILED, kills the child and wakes every
// in-flight caller. Idempotent.
func (c *Client) fail(reason string) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	if c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	c.mu.Unlock()

	c.logger.Error("tool server failed", "server", c.name, "reason", reason)
	c.closeOnce.Do(func() { close(c.closedCh) })
	_ = c.tr.Kill()
}

// Stop drains in-flight requests (bounded by ctx), then terminates the
// child with SIGTERM and escalates to SIGKILL after a grace period.
// New requests fail as soon as draining begins.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped, StateFailed:
		c.mu.Unlock()
		return nil
	case StateNew:
		c.state = StateStopped
		c.mu.Unlock()
		c.closeOnce.Do(func() { close(c.closedCh) })
		return nil
	}
	c.state = StateDraining
	drained := make(chan struct{})
	if c.inFlight == 0 {
		close(drained)
	} else {
		c.drained = drained
	}
	inFlight := c.inFlight
	c.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("tool server drain timed out",
			"server", c.name, "in_flight", inFlight)
	}

	if err := c.tr.Signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("tool server SIGTERM failed", "server", c.name, "error", err)
	}
	select {
	case <-c.tr.Done():
	case <-time.After(termGrace):
		c.logger.Warn("tool server ignored SIGTERM, killing", "server", c.name)
		_ = c.tr.Kill()
		<-c.tr.Done()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })

	c.logger.Info("tool server stopped", "server", c.name)
	return nil
}
