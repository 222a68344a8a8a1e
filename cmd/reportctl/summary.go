package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/report-pipeline/internal/pipeline"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print rendered and analyzed page counts per document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, _, err := setup(cmd.Context(), pipeline.AggregateNone)
		if err != nil {
			return err
		}
		defer p.Stop()

		summary, err := p.Reports.Summary(cmd.Context())
		if err != nil {
			return err
		}
		missing, err := p.Reports.FindMissing(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"summary":       summary,
			"missing_pages": len(missing),
		})
	},
}

var (
	prunePrefix    string
	pruneOlderThan time.Duration
)

var pruneCmd = &cobra.Command{
	Use:   "prune-mirror",
	Short: "Delete mirrored objects older than the given age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, _, err := setup(cmd.Context(), pipeline.AggregateNone)
		if err != nil {
			return err
		}
		defer p.Stop()

		if p.Storage == nil {
			return errors.New("no object storage configured (storage.type is none)")
		}
		n, err := p.Storage.Prune(cmd.Context(), prunePrefix, time.Now().Add(-pruneOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects\n", n)
		return nil
	},
}

func init() {
	pruneCmd.Flags().StringVar(&prunePrefix, "prefix", "jsons/", "object key prefix")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "minimum age of deleted objects")
	rootCmd.AddCommand(summaryCmd, pruneCmd)
}
