package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/validation"
)

var validateThreshold float64

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare schema store row counts with graph node and edge counts",
	Long: `Counts every entity and link table in the schema store and the matching
nodes and relationships in Neo4j. The command exits with code 1 when the
coverage of any entity kind or structural link is below the threshold.
Concept links are reported but never fail validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("threshold") {
			cfg.Pipeline.ValidationThreshold = validateThreshold
		}
		if err := validateFor([]string{metrics.StageLoadNodes}); err != nil {
			return err
		}
		out, err := formatter()
		if err != nil {
			return err
		}

		a, err := openApp(ctx, []string{metrics.StageLoadNodes}, pipeline.NewRunID())
		if err != nil {
			return err
		}
		defer a.Close()

		v := validation.NewConsistencyValidator(a.store, a.graph, cfg.Pipeline.ValidationThreshold, logger.Logger)
		report, err := v.Validate(ctx)
		if err != nil {
			return err
		}
		if err := out.Validation(report, cmd.OutOrStdout()); err != nil {
			return err
		}
		if !report.Passed() {
			return fmt.Errorf("%d checks below %.1f%% coverage: %w",
				len(report.Failed()), report.Threshold, pipeline.ErrThresholdExceeded)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().Float64Var(&validateThreshold, "threshold", 0, "minimum coverage in percent (default from config)")
}
