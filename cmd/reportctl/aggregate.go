package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

var (
	aggregateEnqueue  bool
	aggregatePriority int
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <tenant> <type> <period> <document>",
	Short: "Aggregate a document's page analyses into category outputs",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := models.DocumentKey{Tenant: args[0], ReportType: args[1], Period: args[2], Name: args[3]}
		mode := pipeline.AggregateNone
		if aggregateEnqueue {
			mode = pipeline.AggregateQueue
		}
		p, _, err := setup(cmd.Context(), mode)
		if err != nil {
			return err
		}
		defer p.Stop()

		if aggregateEnqueue {
			id, err := p.Enqueuer.Enqueue(cmd.Context(), key, aggregatePriority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", key, id)
			return nil
		}

		res, err := p.Reports.Aggregate(cmd.Context(), key)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	aggregateCmd.Flags().BoolVar(&aggregateEnqueue, "enqueue", false, "hand the document to the aggregation worker instead")
	aggregateCmd.Flags().IntVar(&aggregatePriority, "priority", queue.PriorityDefault, "queue priority: 1 critical, 2 default, 3 low")
	rootCmd.AddCommand(aggregateCmd)
}
