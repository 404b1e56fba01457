package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/dbmigrator/internal/api"
	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/spf13/cobra"
)

var (
	tokenRole    string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator JWT",
	Long: `Sign a bearer token with jwt.secret carrying the given role. The token
authorizes the migration endpoints when its role matches http.required_role.`,
	Example: `  dbmigrator token --role Admin --ttl 1h`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := api.NewAuthorizer(cfg.JWT, cfg.HTTP)
		if err != nil {
			return cli.ConfigError("creating authorizer", err)
		}

		role := tokenRole
		if role == "" {
			role = cfg.HTTP.RequiredRole
		}

		token, expiresAt, err := auth.IssueToken(tokenSubject, role, tokenTTL)
		if err != nil {
			return cli.ConfigError("issuing token", err)
		}

		logger.Info().
			Str("subject", tokenSubject).
			Str("role", role).
			Time("expires_at", expiresAt).
			Msg("Issued operator token")

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an operator API key for http.api_key_hash",
	Long: `Read an API key from the first argument or stdin and print its bcrypt
hash. Store the hash in http.api_key_hash; clients send the key itself in
the X-API-Key header.`,
	Example: `  echo -n "$KEY" | dbmigrator hash-key`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return cli.GeneralError("reading key from stdin", err)
			}
			key = strings.TrimSpace(line)
		}

		hash, err := api.HashAPIKey(key)
		if err != nil {
			return cli.GeneralError("hashing key", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim (default: http.required_role)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "subject claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
