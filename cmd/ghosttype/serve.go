package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/ghosttype/internal/api"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/mcp"
	"github.com/ricochet1k/ghosttype/internal/provider"
	"github.com/ricochet1k/ghosttype/internal/provider/bedrock"
	"github.com/ricochet1k/ghosttype/internal/provider/gemini"
	"github.com/ricochet1k/ghosttype/internal/provider/openai"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(flags serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f serveFlags) apply(cfg *config.Config) {
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.modelID != "" {
		cfg.ModelID = f.modelID
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

// newFactory registers every backend the server can build.
func newFactory(cfg *config.Config, mcpMgr *mcp.Manager, logger *slog.Logger) *provider.Factory {
	f := provider.NewFactory(cfg, mcpMgr, logger)
	f.Register("bedrock", provider.Registration{Create: bedrock.Create})
	f.Register("openai", provider.Registration{Create: openai.Creator(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})})
	f.Register("gemini", provider.Registration{
		Create:    gemini.Creator(gemini.Config{APIKey: cfg.GoogleAPIKey}),
		NativeMCP: true,
	})
	return f
}

func runServe(ctx context.Context, flags serveFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcpMgr := mcp.NewManager(cfg.MCPConfigPath, logger.With("component", "mcp"))
	factory := newFactory(cfg, mcpMgr, logger.With("component", "provider"))
	handler := api.NewHandler(cfg, factory, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(handler.CloseConnections)

	logger.Info("starting ghosttype server",
		"addr", cfg.Addr(),
		"provider", cfg.Provider,
		"model", cfg.ModelID,
		"providers", factory.SupportedTypes(),
		"mcp_servers", len(mcpMgr.Servers()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
