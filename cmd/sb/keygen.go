package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/crypt"
	"github.com/zulandar/switchboard/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new message encryption key",
		Long: `Prints a fresh base64 key for encryption.key.

Keep the key for the life of the data: replacing it makes every stored
encrypted message body unreadable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypt.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		user       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for a user",
		Long:  "Signs a bearer token with the configured auth secret, for local testing of the websocket endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, user, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id to put in the sub claim (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runToken(cmd *cobra.Command, configPath, user string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	now := time.Now()
	token, err := identity.Sign([]byte(cfg.JWTSecret()), user, cfg.Auth.Issuer, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
