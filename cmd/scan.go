package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/observability"
	"github.com/xkilldash9x/patchwright/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newScanCmd creates the `scan` command: discovery and normalization only.
func newScanCmd() *cobra.Command {
	var output string

	scanCmd := &cobra.Command{
		Use:   "scan <repository>",
		Short: "Run the configured scanners and print the deduplicated issues without fixing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			p, err := buildPipeline(ctx, cfg, logger)
			defer p.Shutdown(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline: %w", err)
			}

			report, err := p.Orchestrator.Scan(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info("Scan complete",
				zap.String("run_id", report.RunID),
				zap.Int("issues", len(report.Issues)),
				zap.Int("scanner_failures", len(report.ScannerFailures)))
			if err := writeReport(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}
			return runOutcome(report)
		},
	}
	scanCmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON report to this file instead of stdout")
	return scanCmd
}

// runOutcome turns an unfinished run into an error. A run that hit
// orchestrator.run_timeout wraps orchestrator.ErrRunTimeout; one the caller
// cancelled wraps context.Canceled.
func runOutcome(report *schemas.RunReport) error {
	switch {
	case report.TimedOut:
		return fmt.Errorf("run %s exceeded orchestrator.run_timeout: %w", report.RunID, orchestrator.ErrRunTimeout)
	case report.Cancelled:
		return fmt.Errorf("run %s interrupted: %w", report.RunID, context.Canceled)
	default:
		return nil
	}
}

// writeReport encodes report as indented JSON to path, or to stdout when path is empty.
func writeReport(stdout io.Writer, path string, report *schemas.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
