package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/auth"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/config"
)

func newTokenCmd() *cobra.Command {
	var (
		tenant  string
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for a tenant",
		Long: `token signs an HS256 JWT with JWT_SECRET. The token's tenant_id claim is
the only way a request is bound to a tenant.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireServe(); err != nil {
				return err
			}
			v, err := auth.NewValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
			if err != nil {
				return err
			}
			var roleList []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roleList = append(roleList, r)
				}
			}
			tok, err := v.Issue(subject, tenant, roleList, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the token is bound to (required)")
	cmd.Flags().StringVar(&subject, "subject", "", "actor id recorded on audit events (required)")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ledgerd", version)
		},
	}
}
