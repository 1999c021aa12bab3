package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Durable multi-tenant event ingestion",
		Long: `ingestd accepts events over signed webhooks and NATS, stores them durably
and applies them idempotently to the knowledge graph with retries and a
dead-letter queue.

Configuration comes from --config (YAML) overridden by environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cfgPath := func() string { return cfgFile }
	cmd.AddCommand(
		newServeCmd(cfgPath),
		newWorkerCmd(cfgPath),
		newMigrateCmd(cfgPath),
		newReplayCmd(cfgPath),
		newPublishCmd(cfgPath),
	)
	return cmd
}
