package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/roomclaw/internal/assistant"
	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/feed"
	"github.com/nextlevelbuilder/roomclaw/internal/gateway"
	"github.com/nextlevelbuilder/roomclaw/internal/mention"
	"github.com/nextlevelbuilder/roomclaw/internal/providers"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/store/pg"
	"github.com/nextlevelbuilder/roomclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/roomclaw/internal/tracing"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serveGateway(ctx, cfgPath, cfg); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

func serveGateway(ctx context.Context, cfgPath string, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	msgBus := bus.New()

	stores, err := openStores(ctx, cfg, msgBus)
	if err != nil {
		return err
	}
	defer stores.Close()

	provider, err := providers.New(providerSettings(cfg))
	if err != nil {
		return err
	}

	detector := mention.NewDetector(cfg.MentionTokens())
	responder := assistant.NewResponder(stores.Messages, provider, assistantConfig(cfg))

	engineOpts, closeLease, err := engineOptions(cfg, stores.Messages)
	if err != nil {
		return err
	}
	defer closeLease()
	engine := coordinator.NewEngine(responder, engineOpts)
	defer engine.Shutdown()

	server := gateway.NewServer(cfg.Gateway, msgBus, stores.Messages, engine, detector.Predicate())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return engine.RunSweeper(gctx, cfg.Coordinator.SweepSchedule) })
	if cfg.Assistant.AutoRespond {
		consumer := feed.NewConsumer(stores.Messages, engine, feed.Options{WindowSize: cfg.Assistant.ContextMessages})
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			detector.SetTokens(cfg.MentionTokens())
			slog.Info("mention tokens updated", "tokens", detector.Tokens())
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "path", cfgPath, "error", err)
		}
		return nil
	})

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("roomclaw gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"assistant", responder.Name(),
		"provider", provider.Name(),
		"model", provider.DefaultModel(),
		"mention_tokens", detector.Tokens(),
		"auto_respond", cfg.Assistant.AutoRespond,
		"lease", engineOpts.Lease != nil,
		"retry", engineOpts.Retry.Mode,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, feedBus bus.EventPublisher) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		stores, err := pg.NewPGStores(ctx, store.StoreConfig{
			Mode:        "managed",
			PostgresDSN: cfg.Database.PostgresDSN,
			Listen:      true,
		}, feedBus)
		if err != nil {
			return nil, err
		}
		slog.Info("message store ready", "backend", "postgres")
		return stores, nil
	}
	if cfg.Database.Mode == "managed" {
		slog.Warn("database.mode is managed but ROOMCLAW_POSTGRES_DSN is not set; falling back to SQLite")
	}

	path := config.ExpandHome(cfg.Database.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	ms, err := sqlite.Open(path, feedBus)
	if err != nil {
		return nil, err
	}
	slog.Info("message store ready", "backend", "sqlite", "path", path)
	return &store.Stores{Messages: ms}, nil
}

func providerSettings(cfg *config.Config) providers.Settings {
	return providers.Settings{
		Provider:        cfg.Assistant.Provider,
		Model:           cfg.Assistant.Model,
		AnthropicAPIKey: cfg.Providers.Anthropic.APIKey,
		AnthropicBase:   cfg.Providers.Anthropic.APIBase,
		AnthropicRetry:  cfg.Providers.Anthropic.MaxRetries,
		OpenAIAPIKey:    cfg.Providers.OpenAI.APIKey,
		OpenAIBase:      cfg.Providers.OpenAI.APIBase,
		OpenAIRetry:     cfg.Providers.OpenAI.MaxRetries,
	}
}

func assistantConfig(cfg *config.Config) assistant.Config {
	a := cfg.Assistant
	temp := a.Temperature
	return assistant.Config{
		Name:            a.Name,
		Model:           a.Model,
		MaxTokens:       a.MaxTokens,
		Temperature:     &temp,
		ContextMessages: a.ContextMessages,
		SearchKeywords:  a.SearchKeywords,
		FallbackReply:   a.FallbackReply,
		SystemPrompt:    a.SystemPrompt,
	}
}

// engineOptions builds the admission setup. The returned func closes the
// Redis client when a lease is configured.
func engineOptions(cfg *config.Config, replies coordinator.ReplyIndex) (coordinator.Options, func(), error) {
	c := cfg.Coordinator
	mode, err := coordinator.ParseRetryMode(c.Retry.Mode)
	if err != nil {
		return coordinator.Options{}, nil, err
	}
	opts := coordinator.Options{
		Claims:        coordinator.NewMemoryClaims(c.ClaimTTL(), c.MaxClaims),
		Replies:       replies,
		Retry:         coordinator.RetryPolicy{Mode: mode, MaxAttempts: c.Retry.MaxAttempts, Backoff: c.Retry.Backoff()},
		MaxConcurrent: c.MaxConcurrentJobs,
		Name:          "server",
	}
	if c.RedisURL == "" {
		return opts, func() {}, nil
	}

	rdb, err := coordinator.NewRedisClient(c.RedisURL)
	if err != nil {
		return coordinator.Options{}, nil, err
	}
	pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		// Lease errors fail open at runtime too; start anyway.
		slog.Warn("redis unreachable, reply lease will fail open", "error", err)
	}
	opts.Lease = coordinator.NewRedisLease(rdb, c.LeaseTTL())
	return opts, func() { rdb.Close() }, nil
}
