package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/feichai0017/report-pipeline/internal/dispatch"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
)

var reprocessMissingCmd = &cobra.Command{
	Use:   "reprocess-missing",
	Short: "Analyze every rendered page that has no analysis yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, _, err := setup(cmd.Context(), pipeline.AggregateNone)
		if err != nil {
			return err
		}
		defer p.Stop()

		n, err := p.ReprocessMissing(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d pages\n", n)
		return nil
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <image>",
	Short: "Analyze one page image again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := setup(cmd.Context(), pipeline.AggregateNone)
		if err != nil {
			return err
		}
		defer p.Stop()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		outcome, err := p.Dispatcher.Dispatch(cmd.Context(), path)
		if err != nil {
			return err
		}
		if outcome != dispatch.Analyzed {
			return fmt.Errorf("page not analyzed: %s", outcome)
		}
		ref, _ := p.Layout.ClassifyImage(path)
		fmt.Fprintln(cmd.OutOrStdout(), p.Layout.Rel(p.Layout.JSONPath(ref.Key, ref.Page)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reprocessMissingCmd, reprocessCmd)
}
