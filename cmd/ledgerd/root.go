package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/config"
)

type rootOptions struct {
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Evidence ledger for supply-chain compliance records",
		Long: `ledgerd stores evidence records, seals them with content hashes and keeps
a hash-chained audit trail per tenant. Configuration is read from the
environment: LEDGER_STORE, BLOB_BACKEND, REDIS_ADDR, JWT_SECRET and friends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	cmd.AddCommand(
		newServeCmd(),
		newVerifyChainCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
		newMigrateCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the environment and installs the JSON slog handler.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
