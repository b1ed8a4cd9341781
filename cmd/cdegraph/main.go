package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/config"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/logging"
	"github.com/rohankatakam/cdegraph/internal/output"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile      string
	verbose      bool
	outputFormat string
	logger       *logging.Logger
	cfg          *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if logger != nil {
		logger.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(pipeline.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cdegraph",
	Short: "Load caDSR common data elements into a Neo4j knowledge graph",
	Long: `cdegraph normalizes a caDSR XML export into a relational schema store,
extracts the links between entities, projects both into Neo4j and enriches
the nodes with text embeddings.

Stages run in this order:
  normalize -> extract-links -> load-nodes -> load-edges -> enrich-embeddings

Exit codes: 0 success, 1 a stage exceeded the error-rate threshold, 2 fatal.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return errors.ConfigErrorf("%v", err)
		}

		logger, err = logging.New(logging.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			OutputFile: cfg.Logging.File,
			Verbose:    verbose,
			AddSource:  verbose,
		})
		if err != nil {
			return errors.ConfigErrorf("%v", err)
		}
		if cfg.File != "" {
			logger.WithField("file", cfg.File).Debug("Loaded config file")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cdegraph.yaml or ~/.cdegraph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: quiet, text or json")

	rootCmd.SetVersionTemplate(`cdegraph {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(extractLinksCmd)
	rootCmd.AddCommand(loadNodesCmd)
	rootCmd.AddCommand(loadEdgesCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(configCmd)
}

func formatter() (output.Formatter, error) {
	f, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, errors.ConfigErrorf("%v", err)
	}
	return output.NewFormatter(f), nil
}
