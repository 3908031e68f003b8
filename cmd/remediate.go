package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/observability"
)

// newRemediateCmd creates the `remediate` command: discover, fix and validate.
func newRemediateCmd() *cobra.Command {
	var output string

	remediateCmd := &cobra.Command{
		Use:   "remediate <repository>",
		Short: "Discover issues and resolve each with an LLM-generated, re-scanned patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			applyRemediateFlagOverrides(cmd, cfg, logger)

			p, err := buildPipeline(ctx, cfg, logger)
			defer p.Shutdown(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline: %w", err)
			}

			report, err := p.Orchestrator.Run(ctx, args[0])
			if err != nil {
				return err
			}

			logger.Info("Remediation complete",
				zap.String("run_id", report.RunID),
				zap.Int("resolved", report.Summary[schemas.StateResolved]),
				zap.Int("fix_unavailable", report.Summary[schemas.StateFixUnavailable]),
				zap.Int("error", report.Summary[schemas.StateError]),
				zap.Bool("cancelled", report.Cancelled),
				zap.Bool("timed_out", report.TimedOut))
			if report.PullRequest != nil {
				logger.Info("Pull request opened", zap.String("url", report.PullRequest.URL))
			}

			if err := writeReport(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}
			return runOutcome(report)
		},
	}

	remediateCmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON report to this file instead of stdout")
	remediateCmd.Flags().IntP("max-in-flight", "j", 0, "issues resolved concurrently (overrides config)")
	remediateCmd.Flags().Int("max-attempts", 0, "fix attempts per issue (overrides config)")
	return remediateCmd
}

// applyRemediateFlagOverrides copies explicitly set flags onto cfg. Values
// below one are ignored with a warning.
func applyRemediateFlagOverrides(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) {
	override := func(name string, set func(int)) {
		if !cmd.Flags().Changed(name) {
			return
		}
		n, err := cmd.Flags().GetInt(name)
		if err != nil || n < 1 {
			logger.Warn("Ignoring invalid flag value", zap.String("flag", "--"+name), zap.Int("value", n))
			return
		}
		set(n)
	}
	override("max-in-flight", cfg.SetOrchestratorMaxInFlight)
	override("max-attempts", cfg.SetAutofixMaxAttempts)
}
