package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/watcher"
)

type clientFlags struct {
	server   string
	token    string
	userID   string
	userName string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "gateway base URL (default http://<gateway.host>:<gateway.port>)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (default $ROOMCLAW_GATEWAY_TOKEN)")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id sent in token/open auth modes")
	cmd.Flags().StringVar(&f.userName, "name", "", "display name")
}

func (f *clientFlags) client(cfg *config.Config) (*watcher.Client, error) {
	server := f.server
	if server == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		server = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
	}
	token := f.token
	if token == "" {
		token = cfg.Gateway.Token
	}
	return watcher.NewClient(server, watcher.WithToken(token), watcher.WithUser(f.userID, f.userName))
}

func watchCmd() *cobra.Command {
	var (
		flags   clientFlags
		catchUp time.Duration
		retry   string
	)
	cmd := &cobra.Command{
		Use:   "watch <room>",
		Short: "Follow a room and trigger one reply per mention (client-side coordinator)",
		Long: "Follows a room's event stream and calls /ai-response for every new mention. " +
			"Type a room id on stdin to switch rooms.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client, err := flags.client(cfg)
			if err != nil {
				return err
			}
			if retry == "" {
				retry = cfg.Coordinator.Retry.Mode
			}
			mode, err := coordinator.ParseRetryMode(retry)
			if err != nil {
				return err
			}

			w := watcher.New(client, watcher.Options{
				HistoryLimit: cfg.Assistant.ContextMessages,
				CatchUp:      catchUp,
				Claims:       coordinator.NewMemoryClaims(cfg.Coordinator.ClaimTTL(), cfg.Coordinator.MaxClaims),
				Retry: coordinator.RetryPolicy{
					Mode:        mode,
					MaxAttempts: cfg.Coordinator.Retry.MaxAttempts,
					Backoff:     cfg.Coordinator.Retry.Backoff(),
				},
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go switchFromStdin(ctx, w)
			return w.Run(ctx, args[0])
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&catchUp, "catch-up", 0, "on connect, trigger unanswered mentions newer than this (0 = off)")
	cmd.Flags().StringVar(&retry, "retry", "", "failed trigger handling: drop or retry (default from config)")
	return cmd
}

func switchFromStdin(ctx context.Context, w *watcher.Watcher) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if room := strings.TrimSpace(sc.Text()); room != "" {
			w.SwitchRoom(room)
		}
	}
}
