package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docsync/backend/config"
	"docsync/backend/internal/auth"
)

var (
	tokenName string
	tokenTTL  time.Duration
)

// 本地调试用：不查用户仓库，直接按配置里的密钥签发
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an access token for a user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ttl := cfg.Auth.AccessTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		tokens := auth.NewTokens(cfg.Auth.JWTSecret, ttl)
		tok, exp, err := tokens.SignAccessToken(args[0], tokenName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "username claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.access_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
