package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/mcp"
	"github.com/ricochet1k/ghosttype/internal/prompt"
	"github.com/ricochet1k/ghosttype/internal/provider/circuit"
)

var ErrUnknownProvider = errors.New("unknown model provider")

const (
	BreakerThreshold = 3
	BreakerCooldown  = 30 * time.Second
)

// UnknownProviderError is returned by Build for a provider nobody
// registered.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return "Unknown model provider: " + e.Provider
}

func (e *UnknownProviderError) Is(target error) bool {
	return target == ErrUnknownProvider
}

func (e *UnknownProviderError) UserMessage() string { return e.Error() }

// Spec carries everything a backend needs to build one agent handle.
type Spec struct {
	Binding     config.Resolved
	ModeType    prompt.ModeType
	System      string
	MaxTokens   int
	Temperature float64

	// Tools holds the built-in tools plus, unless the backend speaks MCP
	// natively, the tools of the connected MCP servers.
	Tools *agent.Toolbox
	// MCPServers is only set for backends registered with NativeMCP.
	MCPServers []mcp.ServerConfig
	// Closers must be released by the handle's Close.
	Closers []io.Closer

	Logger *slog.Logger
}

type CreateFunc func(ctx context.Context, spec Spec) (agent.Agent, error)

type Registration struct {
	Create CreateFunc
	// NativeMCP backends start the MCP servers themselves from
	// Spec.MCPServers.
	NativeMCP bool
}

// Factory builds agent handles for the registered providers. Each provider
// has its own circuit breaker so a misconfigured backend fails fast.
type Factory struct {
	cfg     *config.Config
	mcp     *mcp.Manager
	prompts prompt.SystemPrompts
	logger  *slog.Logger

	mu       sync.Mutex
	regs     map[string]Registration
	breakers map[string]*circuit.Breaker
}

func NewFactory(cfg *config.Config, mcpMgr *mcp.Manager, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:      cfg,
		mcp:      mcpMgr,
		prompts:  prompt.SystemPrompts{Dir: cfg.PromptsDir, Logger: logger},
		logger:   logger,
		regs:     make(map[string]Registration),
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (f *Factory) Register(providerType string, reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[providerType] = reg
	f.breakers[providerType] = circuit.NewBreaker(providerType, BreakerThreshold, BreakerCooldown)
}

func (f *Factory) SupportedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.regs))
	for t := range f.regs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates a fresh handle bound to binding and modeType.
func (f *Factory) Build(ctx context.Context, binding config.Resolved, modeType prompt.ModeType) (agent.Agent, error) {
	f.mu.Lock()
	reg, ok := f.regs[binding.Provider]
	breaker := f.breakers[binding.Provider]
	f.mu.Unlock()
	if !ok {
		return nil, &UnknownProviderError{Provider: binding.Provider}
	}
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	spec := Spec{
		Binding:     binding,
		ModeType:    modeType,
		System:      f.prompts.For(modeType),
		MaxTokens:   f.cfg.MaxTokens,
		Temperature: f.cfg.Temperature,
		Tools:       agent.NewToolbox(agent.BuiltinTools()...),
		Logger:      f.logger.With("provider", binding.Provider, "model", binding.ModelID),
	}
	if reg.NativeMCP {
		spec.MCPServers = f.mcp.Servers()
	} else if len(f.mcp.Servers()) > 0 {
		sess := f.mcp.Connect(ctx)
		for _, t := range sess.Tools() {
			spec.Tools.Add(t)
		}
		spec.Closers = append(spec.Closers, sess)
	}

	a, err := reg.Create(ctx, spec)
	if err != nil {
		for _, c := range spec.Closers {
			_ = c.Close()
		}
		if breaker.RecordFailure() {
			f.logger.Warn("provider entering cooldown", "provider", binding.Provider, "cooldown", BreakerCooldown)
		}
		return nil, fmt.Errorf("build %s agent: %w", binding.Provider, err)
	}
	breaker.RecordSuccess()
	f.logger.Debug("agent created", "provider", binding.Provider, "model", binding.ModelID,
		"mode_type", modeType, "tools", spec.Tools.Len())
	return a, nil
}
