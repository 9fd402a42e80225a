package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/pmframework/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect pmf configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		source := viper.ConfigFileUsed()
		if source == "" {
			source = "(defaults and environment)"
		}
		fmt.Fprintf(out, "Config file:        %s\n", source)
		fmt.Fprintf(out, "Enabled:            %t\n", cfg.Enabled)
		fmt.Fprintf(out, "Data directory:     %s\n", cfg.DataDir)
		fmt.Fprintf(out, "Memory DB:          %s\n", cfg.MemoryDBPath())
		fmt.Fprintf(out, "Fallback chain:     %s\n", strings.Join(cfg.FallbackChain, " -> "))
		if cfg.UsesBackend(config.BackendRedis) {
			fmt.Fprintf(out, "Redis:              %s\n", cfg.RedisAddr)
		}
		fmt.Fprintf(out, "Circuit breaker:    %d failures, %s recovery\n", cfg.BreakerThreshold, cfg.BreakerRecovery)
		fmt.Fprintf(out, "Timeouts:           create %s, recall %s, health %s\n", cfg.CreateTimeout, cfg.RecallTimeout, cfg.HealthCheckTimeout)
		fmt.Fprintf(out, "Batching:           %d every %s\n", cfg.BatchSize, cfg.BatchPollInterval)
		fmt.Fprintf(out, "Dedup window:       %s\n", cfg.DedupWindow)
		policyFile := cfg.PolicyFile
		if policyFile == "" {
			policyFile = "(built-in)"
		}
		fmt.Fprintf(out, "Policy file:        %s\n", policyFile)
		fmt.Fprintf(out, "Retention:          %d days, schedule %q\n", cfg.RetentionDays, cfg.MaintenanceSchedule)
		fmt.Fprintf(out, "HTTP address:       %s (API keys: %d)\n", cfg.HTTPAddr, len(cfg.APIKeys))
		fmt.Fprintf(out, "Hook webhooks:      %d\n", len(cfg.Webhooks))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
