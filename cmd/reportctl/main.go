// Command reportctl runs one-off maintenance jobs against the data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/feichai0017/report-pipeline/config"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

var (
	cfgFile string
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "reportctl",
	Short:         "Maintenance commands for the report pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("REPORT_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the pipeline components without starting the
// watchers. aggregation selects how the tracker hands off complete documents.
func setup(ctx context.Context, aggregation string) (*pipeline.Pipeline, logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Completion.Aggregation = aggregation

	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(
		logger.WithLevel(level),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
	)
	if err != nil {
		return nil, nil, err
	}

	p, err := pipeline.New(ctx, cfg, pipeline.Deps{}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := p.Layout.EnsureRoots(); err != nil {
		return nil, nil, err
	}
	return p, log, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
