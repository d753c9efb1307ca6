package session

import (
	"context"
	"log/slog"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/prompt"
)

// Builder creates agent handles. *provider.Factory satisfies it.
type Builder interface {
	Build(ctx context.Context, binding config.Resolved, modeType prompt.ModeType) (agent.Agent, error)
}

// Cache holds a connection's agent handle and the binding it was built
// for. It is only touched from the connection goroutine.
type Cache struct {
	builder Builder
	logger  *slog.Logger

	handle   agent.Agent
	binding  config.Resolved
	modeType prompt.ModeType
}

func NewCache(builder Builder, logger *slog.Logger) *Cache {
	return &Cache{builder: builder, logger: logger}
}

// GetOrBuild returns the bound handle when binding and modeType match it
// exactly, else builds a replacement. A failed build leaves the previous
// handle in place.
func (c *Cache) GetOrBuild(ctx context.Context, binding config.Resolved, modeType prompt.ModeType) (agent.Agent, bool, error) {
	if c.handle != nil && c.binding == binding && c.modeType == modeType {
		return c.handle, false, nil
	}

	c.logger.Debug("creating new agent",
		"had_agent", c.handle != nil,
		"config_changed", c.binding != binding,
		"mode_changed", c.modeType != modeType)
	h, err := c.builder.Build(ctx, binding, modeType)
	if err != nil {
		return nil, false, err
	}
	c.discard()
	c.handle = h
	c.binding = binding
	c.modeType = modeType
	return h, true, nil
}

// Reset drops the bound handle unconditionally.
func (c *Cache) Reset() {
	c.discard()
}

func (c *Cache) Bound() bool {
	return c.handle != nil
}

func (c *Cache) discard() {
	if c.handle == nil {
		return
	}
	if err := c.handle.Close(); err != nil {
		c.logger.Warn("failed to close agent", "error", err)
	}
	c.handle = nil
	c.binding = config.Resolved{}
	c.modeType = ""
}
