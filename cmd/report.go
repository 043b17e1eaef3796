package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/observability"
	"github.com/xkilldash9x/hpgscan/internal/results"
	"github.com/xkilldash9x/hpgscan/internal/store"
)

// newReportCmd renders the persisted findings of an earlier run.
func newReportCmd(provider poolProvider) *cobra.Command {
	var runID string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a report for a persisted analysis run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyAnalyzeFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, runID, provider)
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "The ID of the run to report on (required)")
	_ = reportCmd.MarkFlagRequired("run-id")
	reportCmd.Flags().StringP("format", "f", "", "Output format: json or sarif. (Overrides config/env)")
	reportCmd.Flags().StringP("output", "o", "", "Output path, '-' for stdout. (Overrides config/env)")
	return reportCmd
}

func runReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, runID string, provider poolProvider) error {
	pool, cleanup, err := provider.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer cleanup()

	findings, err := store.New(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize findings store: %w", err)
	}

	report, err := results.NewPipeline(findings, logger).ProcessRun(ctx, runID)
	if err != nil {
		return err
	}
	if len(report.Findings) == 0 {
		logger.Warn("No findings stored for run", zap.String("run_id", runID))
	}
	return writeFindings(logger, cfg.Output(), report.Findings)
}
