package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dativo-io/pmframework/internal/memory"
)

var (
	memProject string
	memCat     string
	memTags    []string
	memLimit   int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Add, search and inspect stored memories",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a memory directly",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryAdd,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories in a project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  memorySearch,
}

var memoryHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show backend health and failover state",
	RunE:  memoryHealth,
}

func init() {
	for _, c := range []*cobra.Command{memoryAddCmd, memorySearchCmd} {
		c.Flags().StringVarP(&memProject, "project", "p", "", "Project name (required)")
		c.Flags().StringVar(&memCat, "category", "", "Category: project, pattern, team or error")
		c.Flags().StringSliceVar(&memTags, "tag", nil, "Tag (repeatable)")
		_ = c.MarkFlagRequired("project")
	}
	memorySearchCmd.Flags().IntVar(&memLimit, "limit", 20, "Maximum results")

	memoryCmd.AddCommand(memoryAddCmd, memorySearchCmd, memoryHealthCmd)
	rootCmd.AddCommand(memoryCmd)
}

func memoryAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "memory.add")
	defer span.End()

	if memCat != "" && !memory.IsValidCategory(memCat) {
		return fmt.Errorf("invalid category %q: want one of %s", memCat, strings.Join(memory.ValidCategories(), ", "))
	}
	a, closeApp, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp()

	id, err := a.Memory.AddMemory(ctx, memProject, args[0], memCat, memTags, map[string]any{"source": "cli"})
	if err != nil {
		return fmt.Errorf("adding memory: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", id, a.Memory.ActiveBackend())
	return nil
}

func memorySearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "memory.search")
	defer span.End()

	a, closeApp, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp()

	q := memory.Query{Category: memCat, Tags: memTags, Limit: memLimit}
	if len(args) == 1 {
		q.Text = args[0]
	}
	items, err := a.Memory.SearchMemories(ctx, memProject, q)
	if err != nil {
		return fmt.Errorf("searching memory: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Category", "Tags", "Content", "Created"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.Category, truncate(strings.Join(it.Tags, ","), 30),
			truncate(it.Content, 60), it.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	return nil
}

func memoryHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "memory.health")
	defer span.End()

	a, closeApp, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp()

	printHealth(cmd, a.Memory.ServiceHealth(ctx))
	return nil
}

func printHealth(cmd *cobra.Command, h memory.Health) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s (active: %s)\n", h.Status, h.ActiveBackend)

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Backend", "Healthy", "Active", "Breaker", "Latency", "Error"})
	for _, b := range h.Backends {
		active := ""
		if b.Active {
			active = "*"
		}
		tw.AppendRow(table.Row{b.Name, b.Healthy, active, b.Breaker.State, formatLatency(b.Latency), truncate(b.Error, 40)})
	}
	tw.Render()
}
