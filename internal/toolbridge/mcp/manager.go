package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerConfig is one MCP server the Tool Bridge will launch.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// Manager owns every configured MCP server's client and subprocess for
// the lifetime of the Host Daemon. Policy's "tools.mcp" capability gate
// is enforced by the Tool Bridge before CallTool is ever reached; the
// Manager itself does not consult policy.
type Manager struct {
	configs []ServerConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(configs []ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Start launches every enabled server and runs its initialize
// handshake. A server that fails to start or initialize is logged and
// skipped rather than failing the daemon's own startup.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		m.logger.Info("starting mcp server", "name", cfg.Name, "command", cfg.Command)

		transport, err := NewReconnectableTransport(cfg.Command, cfg.Args, cfg.Env)
		if err != nil {
			m.logger.Error("mcp server start failed", "name", cfg.Name, "error", err)
			continue
		}
		client := NewClient(transport)

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.Initialize(initCtx)
		cancel()
		if err != nil {
			m.logger.Error("mcp server initialize failed", "name", cfg.Name, "error", err)
			client.Close()
			continue
		}

		m.clients[cfg.Name] = client
		m.logger.Info("mcp server ready", "name", cfg.Name)
	}
}

// AllTools aggregates tools by server name, for surfacing to an app
// peer that wants to know what's available before calling one.
func (m *Manager) AllTools(ctx context.Context) map[string][]Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]Tool, len(m.clients))
	for name, client := range m.clients {
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			m.logger.Warn("mcp list tools failed", "server", name, "error", err)
			continue
		}
		out[name] = tools
	}
	return out
}

// CallTool invokes tool on the named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp server %q not found or not running", server)
	}
	return client.CallTool(ctx, tool, args)
}

// Stop closes every running client's subprocess.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("mcp server stop error", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*Client)
}
