package cmd

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomclaw/internal/config"
	httpapi "github.com/nextlevelbuilder/roomclaw/internal/http"
)

func tokenCmd() *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a chat client JWT signed with $ROOMCLAW_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Gateway.JWTSecret == "" {
				return fmt.Errorf("ROOMCLAW_JWT_SECRET is not set")
			}
			auth := httpapi.NewAuthenticator("", cfg.Gateway.JWTSecret)
			now := time.Now()
			tok, err := auth.IssueToken(args[0], name, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				Issuer:    "roomclaw",
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
