package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
)

var (
	failuresStage    string
	failuresCategory string
	failuresLimit    int
	failuresPurge    time.Duration
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show records that failed in earlier runs",
	Long: `Lists the failure ledger: malformed records, dangling links and failed
embedding calls, with how many runs they have failed in. Entries are
removed automatically once a later run processes them.`,
	Example: `  cdegraph failures --stage load-edges
  cdegraph failures --category MalformedRecord --limit 20
  cdegraph failures --purge-older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := validateFor(nil); err != nil {
			return err
		}

		filter := dlq.Filter{Stage: failuresStage, Limit: failuresLimit}
		if failuresStage != "" {
			if _, err := pipeline.OrderStages([]string{failuresStage}); err != nil {
				return err
			}
		}
		if failuresCategory != "" {
			c, ok := errors.ParseCategory(failuresCategory)
			if !ok {
				return errors.ConfigErrorf("unknown failure category %q", failuresCategory)
			}
			filter.Category = c.String()
		}

		out, err := formatter()
		if err != nil {
			return err
		}
		a, err := openApp(ctx, []string{}, "")
		if err != nil {
			return err
		}
		defer a.Close()

		if failuresPurge > 0 {
			n, err := a.ledger.PurgeOld(ctx, failuresPurge)
			if err != nil {
				return errors.Unavailable(err, "purge failure ledger")
			}
			logger.WithField("removed", n).Info("Purged old failures")
		}

		entries, err := a.ledger.List(ctx, filter)
		if err != nil {
			return errors.Unavailable(err, "read failure ledger")
		}
		stats, err := a.ledger.GetStats(ctx)
		if err != nil {
			return errors.Unavailable(err, "read failure ledger")
		}
		return out.Failures(entries, stats, cmd.OutOrStdout())
	},
}

func init() {
	failuresCmd.Flags().StringVar(&failuresStage, "stage", "", "only show failures of this stage ("+metrics.StageNormalize+", "+metrics.StageLoadEdges+", ...)")
	failuresCmd.Flags().StringVar(&failuresCategory, "category", "", "only show failures of this category (e.g. DanglingReference)")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 50, "maximum entries to list (0 for all)")
	failuresCmd.Flags().DurationVar(&failuresPurge, "purge-older-than", 0, "delete entries not seen for this long before listing")
}
