package mcp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockpilot/worker/common/config"
	"github.com/blockpilot/worker/common/faults"
)

// drainTimeout bounds how long a replaced or deregistered child may
// hold up its successor while finishing in-flight calls.
const drainTimeout = 10 * time.Second

// Registration describes one tool server owned by a user. The
// (UserID, Name) pair is the identity; registering the same pair again
// replaces the running child with the new command/args/env.
type Registration struct {
	UserID  string
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// ServerID is the registry key derived from the identity pair.
func (r Registration) ServerID() string {
	return r.UserID + "/" + r.Name
}

// Supervisor owns every tool-server subprocess in the worker. Handlers
// borrow invocations through Discover/Invoke; they never hold process
// handles themselves.
type Supervisor struct {
	logger Logger

	handshakeTimeout time.Duration
	rpcTimeout       time.Duration
	healthInterval   time.Duration
	healthFailures   int

	// newTransport is swapped in tests to avoid spawning processes.
	newTransport func(command string, args []string, env map[string]string) transport

	mu      sync.Mutex
	servers map[string]*Client
	locks   map[string]*sync.Mutex
}

// NewSupervisor creates an empty registry with default timeouts.
func NewSupervisor(logger Logger) *Supervisor {
	return &Supervisor{
		logger:           logger,
		handshakeTimeout: defaultHandshakeTimeout,
		rpcTimeout:       defaultRPCTimeout,
		healthInterval:   defaultHealthInterval,
		healthFailures:   defaultHealthFailures,
		newTransport: func(command string, args []string, env map[string]string) transport {
			return newExecTransport(command, args, env)
		},
		servers: make(map[string]*Client),
		locks:   make(map[string]*sync.Mutex),
	}
}

// FromConfig creates a registry with the worker's agent settings.
func FromConfig(cfg config.AgentConfig, logger Logger) *Supervisor {
	s := NewSupervisor(logger)
	if cfg.HandshakeTimeout > 0 {
		s.handshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.ToolCallTimeout > 0 {
		s.rpcTimeout = cfg.ToolCallTimeout
	}
	if cfg.HealthInterval > 0 {
		s.healthInterval = cfg.HealthInterval
	}
	if cfg.HealthFailures > 0 {
		s.healthFailures = cfg.HealthFailures
	}
	return s
}

// Register spawns (or replaces) the tool server for reg and returns its
// server id once the handshake and schema discovery complete.
// Transitions for one identity pair are serialised; distinct servers
// register concurrently.
func (s *Supervisor) Register(ctx context.Context, reg Registration) (string, error) {
	if reg.UserID == "" || reg.Name == "" || reg.Command == "" {
		return "", faults.Validation("tool server registration requires user id, name and command")
	}
	id := reg.ServerID()

	lock := s.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	existing := s.servers[id]
	delete(s.servers, id)
	s.mu.Unlock()

	if existing != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := existing.Stop(stopCtx); err != nil {
			s.logger.Warn("failed to stop replaced tool server", "server", id, "error", err)
		}
		cancel()
	}

	client := newClient(id, s.newTransport(reg.Command, reg.Args, reg.Env), s.logger).
		WithHandshakeTimeout(s.handshakeTimeout).
		WithRPCTimeout(s.rpcTimeout).
		WithHealthProbe(s.healthInterval, s.healthFailures)

	if err := client.Start(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.servers[id] = client
	s.mu.Unlock()

	s.logger.Info("tool server registered",
		"server", id, "command", reg.Command, "tools", len(client.Tools()))
	return id, nil
}

// Discover returns the cached tool schemas of a registered server.
func (s *Supervisor) Discover(serverID string) ([]ToolSchema, error) {
	client, err := s.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return client.Tools(), nil
}

// Invoke validates params against the discovered schema and calls the
// tool on the registered server.
func (s *Supervisor) Invoke(ctx context.Context, serverID, tool string, params map[string]any) (*ToolResult, error) {
	client, err := s.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, params)
}

// Deregister drains and stops one server and removes it from the
// registry. Unknown ids are a no-op.
func (s *Supervisor) Deregister(ctx context.Context, serverID string) error {
	lock := s.keyLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	client := s.servers[serverID]
	delete(s.servers, serverID)
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Stop(ctx)
}

// States snapshots the lifecycle phase of every registered server.
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.servers))
	for id, client := range s.servers {
		out[id] = client.State()
	}
	return out
}

// Shutdown drains and stops every server concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.servers))
	for _, client := range s.servers {
		clients = append(clients, client)
	}
	s.servers = make(map[string]*Client)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, client := range clients {
		g.Go(func() error { return client.Stop(ctx) })
	}
	return g.Wait()
}

func (s *Supervisor) lookup(serverID string) (*Client, error) {
	s.mu.Lock()
	client := s.servers[serverID]
	s.mu.Unlock()
	if client == nil {
		return nil, faults.Supervisor("tool server %s is not registered", serverID)
	}
	return client, nil
}

func (s *Supervisor) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}
