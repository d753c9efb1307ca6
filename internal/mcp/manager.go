package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ricochet1k/ghosttype/internal/agent"
)

const (
	clientName    = "ghosttype"
	clientVersion = "1.0.0"
)

// Manager holds the validated server list. It spawns nothing on its own;
// every Connect starts a fresh set of server processes owned by the
// returned Session.
type Manager struct {
	servers []ServerConfig
	logger  *slog.Logger
}

// NewManager loads and validates the config at path. Problems with the file
// or with single servers are logged and leave those servers out. A broken
// allowlist admits no servers at all.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}

	f, err := LoadFile(path)
	if err != nil {
		logger.Warn("failed to load MCP config, no MCP servers will be loaded", "path", path, "error", err)
		return m
	}
	if len(f.Servers) == 0 {
		logger.Info("no MCP servers configured", "path", path)
		return m
	}

	policy, err := NewPolicy(f.Allowlist)
	if err != nil {
		logger.Warn("invalid MCP allowlist, no MCP servers will be loaded", "path", path, "error", err)
		return m
	}
	if policy.Strict() {
		logger.Info("MCP allowlist in force", "entries", len(f.Allowlist))
	}

	for name, s := range f.Servers {
		if !s.IsEnabled() {
			logger.Info("MCP server is disabled, skipping", "server", name)
		}
	}
	for _, s := range f.Enabled() {
		resolved, err := resolveCommand(s)
		if err == nil {
			err = policy.Check(resolved)
		}
		if err != nil {
			logger.Warn("invalid MCP server, skipping", "server", s.Name, "error", err)
			continue
		}
		logger.Info("MCP server configured", "server", s.Name, "command", resolved.Command)
		m.servers = append(m.servers, resolved)
	}
	return m
}

func resolveCommand(s ServerConfig) (ServerConfig, error) {
	path, err := lookPath(s.Command)
	if err != nil {
		return s, err
	}
	s.Command = path
	return s, nil
}

func lookPath(command string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("resolve command: %w", err)
	}
	return path, nil
}

// Servers returns the servers that passed validation.
func (m *Manager) Servers() []ServerConfig {
	if m == nil {
		return nil
	}
	return append([]ServerConfig(nil), m.servers...)
}

// Connect starts every server and collects its tools. Servers that fail to
// start or list tools are logged and skipped.
func (m *Manager) Connect(ctx context.Context) *Session {
	s := &Session{}
	if m == nil {
		return s
	}
	for _, cfg := range m.servers {
		client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil)
		cs, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cfg.Cmd()}, nil)
		if err != nil {
			m.logger.Warn("failed to start MCP server, skipping", "server", cfg.Name, "error", err)
			continue
		}
		res, err := cs.ListTools(ctx, &mcpsdk.ListToolsParams{})
		if err != nil {
			m.logger.Warn("failed to list MCP tools, skipping", "server", cfg.Name, "error", err)
			_ = cs.Close()
			continue
		}
		for _, t := range res.Tools {
			s.tools = append(s.tools, &remoteTool{
				server:  cfg.Name,
				session: cs,
				spec: agent.ToolSpec{
					Name:        t.Name,
					Description: t.Description,
					InputSchema: convertSchema(t.InputSchema),
				},
			})
		}
		m.logger.Debug("MCP server connected", "server", cfg.Name, "tools", len(res.Tools))
		s.sessions = append(s.sessions, cs)
	}
	return s
}

// Session owns the server processes started by one Connect.
type Session struct {
	sessions []*mcpsdk.ClientSession
	tools    []agent.Tool

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) Tools() []agent.Tool {
	return s.tools
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, cs := range s.sessions {
			if err := cs.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

type remoteTool struct {
	server  string
	session *mcpsdk.ClientSession
	spec    agent.ToolSpec
}

func (t *remoteTool) Spec() agent.ToolSpec { return t.spec }

func (t *remoteTool) Call(ctx context.Context, input map[string]any) (string, error) {
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.spec.Name,
		Arguments: input,
	})
	if err != nil {
		return "", fmt.Errorf("mcp %s/%s: %w", t.server, t.spec.Name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, c.Text)
		default:
			data, err := json.Marshal(c)
			if err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func convertSchema(v any) *jsonschema.Schema {
	if v == nil {
		return nil
	}
	if s, ok := v.(*jsonschema.Schema); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}
