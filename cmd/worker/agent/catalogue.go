package agent

import (
	"os"
	"strings"
	"unicode"
)

// ServerSpec describes how to launch one MCP tool server: the command
// line and the environment variables the server reads.
type ServerSpec struct {
	Command     string
	Args        []string
	Description string
	// EnvSchema lists the variable names the server consumes.
	EnvSchema []string
	// Defaults are safe fallback values applied when nothing else
	// provides the variable.
	Defaults map[string]string
}

// Catalogue maps tool ids to launchable server specs. Lookups are
// case-insensitive on the id.
type Catalogue struct {
	specs     map[string]ServerSpec
	lookupEnv func(string) string
}

// Environment variables commonly needed by tool servers. When present
// in the process environment they are forwarded even if the schema
// does not name them.
var commonEnvNames = []string{
	"PRIVATE_KEY",
	"WALLET_PRIVATE_KEY",
	"RPC_URL",
	"SEI_RPC_URL",
	"COINGECKO_API_KEY",
}

// NewCatalogue creates a catalogue seeded with the built-in tool
// servers.
func NewCatalogue() *Catalogue {
	c := &Catalogue{
		specs:     make(map[string]ServerSpec),
		lookupEnv: os.Getenv,
	}
	for id, spec := range builtinSpecs {
		c.specs[id] = spec
	}
	return c
}

// builtinSpecs are the tool servers the worker knows how to launch out
// of the box.
var builtinSpecs = map[string]ServerSpec{
	"sei-mcp-server": {
		Command:     "npx",
		Args:        []string{"-y", "@sei-js/mcp-server"},
		Description: "Sei chain operations: balances, transfers, contract reads",
		EnvSchema:   []string{"PRIVATE_KEY", "RPC_URL"},
		Defaults:    map[string]string{"RPC_URL": "https://evm-rpc.sei-apis.com"},
	},
	"evm-mcp-server": {
		Command:     "npx",
		Args:        []string{"-y", "@mcpdotdirect/evm-mcp-server"},
		Description: "Generic EVM operations over JSON-RPC",
		EnvSchema:   []string{"PRIVATE_KEY", "RPC_URL"},
	},
	"coingecko": {
		Command:     "npx",
		Args:        []string{"-y", "@coingecko/coingecko-mcp"},
		Description: "Market data: prices, volumes, historical charts",
		EnvSchema:   []string{"COINGECKO_API_KEY"},
	},
	"filesystem": {
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
		Description: "Scratch filesystem access",
	},
}

// Add registers or replaces a spec.
func (c *Catalogue) Add(id string, spec ServerSpec) {
	c.specs[strings.ToLower(id)] = spec
}

// Lookup resolves a tool id to its server spec.
func (c *Catalogue) Lookup(toolID string) (ServerSpec, bool) {
	spec, ok := c.specs[strings.ToLower(toolID)]
	return spec, ok
}

// ResolveEnv builds the effective environment for a server. Sources are
// merged lowest priority first: spec defaults, then common variables
// from the process environment, then schema-named variables from the
// process environment, then user-provided config values.
func (c *Catalogue) ResolveEnv(spec ServerSpec, userConfig map[string]any) map[string]string {
	env := make(map[string]string)

	for name, value := range spec.Defaults {
		env[name] = value
	}
	for _, name := range commonEnvNames {
		if v := c.lookupEnv(name); v != "" {
			env[name] = v
		}
	}
	for _, name := range spec.EnvSchema {
		if v := c.lookupEnv(name); v != "" {
			env[name] = v
		}
	}
	for key, value := range userConfig {
		s, ok := value.(string)
		if !ok || s == "" {
			continue
		}
		env[envName(key)] = s
	}

	return env
}

// envName converts a config key (apiKey, rpc-url, RPC_URL) into
// UPPER_SNAKE form.
func envName(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0 && key[i-1] != '_' && !unicode.IsUpper(rune(key[i-1])):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
