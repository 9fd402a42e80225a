package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dativo-io/pmframework/internal/recall"
)

var (
	recallProject string
	recallContext []string
	recallTop     int
	recallJSON    bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <operation>",
	Short: "Recall memories and recommendations before an operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecall,
}

func init() {
	recallCmd.Flags().StringVarP(&recallProject, "project", "p", "", "Project name (required)")
	recallCmd.Flags().StringArrayVar(&recallContext, "context", nil, "Operation context as key=value (repeatable)")
	recallCmd.Flags().IntVar(&recallTop, "top", 5, "Recommendations to show (0 for all)")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "Print the full result as JSON")
	_ = recallCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(recallCmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "recall")
	defer span.End()

	opCtx, err := parsePairs(recallContext)
	if err != nil {
		return err
	}
	a, closeApp, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp()

	res := a.Recaller.RecallForOperation(ctx, recallProject, args[0], opCtx)
	if recallTop > 0 {
		res.Recommendations = res.Recommendations.Top(recallTop)
	}
	out := cmd.OutOrStdout()
	if recallJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printRecall(cmd, res)
	return nil
}

func printRecall(cmd *cobra.Command, res recall.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recall for %q in %s: %d memories, %d patterns (%s)\n",
		res.Operation, res.Project, len(res.Memories), len(res.Patterns), formatLatency(res.ProcessingTime))
	if res.Degraded {
		fmt.Fprintf(out, "Degraded: %s\n", res.Err)
	}

	fmt.Fprintln(out, "\nRecommendations:")
	for i, r := range res.Recommendations {
		fmt.Fprintf(out, "  %d. %s\n", i+1, r.Text)
	}

	if len(res.Memories) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Score", "Category", "Content", "Created"})
	for _, m := range res.Memories {
		tw.AppendRow(table.Row{fmt.Sprintf("%.2f", m.Score), m.Item.Category,
			truncate(m.Item.Content, 70), m.Item.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
}
