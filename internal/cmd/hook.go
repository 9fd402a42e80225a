package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dativo-io/pmframework/internal/hooks"
)

var (
	hookProject   string
	hookOperation string
	hookTags      []string
	hookParams    []string
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Fire and list memory hooks",
}

var hookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hook names with their event type, priority and category",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Hook", "Event type", "Priority", "Category"})
		for _, name := range hooks.Names() {
			t, _ := hooks.TypeFor(name)
			tw.AppendRow(table.Row{name, t, hooks.PriorityFor(t), hooks.CategoryFor(t)})
		}
		tw.Render()
		return nil
	},
}

var hookFireCmd = &cobra.Command{
	Use:   "fire <hook>",
	Short: "Fire a hook as if an agent had completed the work",
	Example: `  pmf hook fire workflow_complete -p acme --param workflow_type=deploy --param success=true --param duration=42
  pmf hook fire error_resolution -p acme --param error_type=timeout --param resolution="raise limit" --param resolved=true`,
	Args: cobra.ExactArgs(1),
	RunE: runHookFire,
}

func init() {
	hookFireCmd.Flags().StringVarP(&hookProject, "project", "p", "", "Project name (required)")
	hookFireCmd.Flags().StringVar(&hookOperation, "operation", "", "Operation label")
	hookFireCmd.Flags().StringSliceVar(&hookTags, "tag", nil, "Extra tag (repeatable)")
	hookFireCmd.Flags().StringArrayVar(&hookParams, "param", nil, "Hook parameter as key=value (repeatable)")
	_ = hookFireCmd.MarkFlagRequired("project")

	hookCmd.AddCommand(hookListCmd, hookFireCmd)
	rootCmd.AddCommand(hookCmd)
}

func runHookFire(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "hook.fire")
	defer span.End()

	params, err := parsePairs(hookParams)
	if err != nil {
		return err
	}
	if _, ok := hooks.TypeFor(args[0]); !ok {
		return fmt.Errorf("%w: %q", hooks.ErrUnknownHook, args[0])
	}

	// Queued events are drained by closeApp before the command exits.
	a, closeApp, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp()

	res, err := a.Hooks.Fire(ctx, args[0], hooks.HookContext{
		Project:   hookProject,
		Source:    "cli",
		Operation: hookOperation,
		Tags:      hookTags,
	}, params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Err != "":
		return fmt.Errorf("hook %s failed: %s", args[0], res.Err)
	case res.Skipped():
		fmt.Fprintf(out, "Skipped: %s", res.SkipReason)
		if res.PolicyReason != "" {
			fmt.Fprintf(out, " (%s)", res.PolicyReason)
		}
		fmt.Fprintln(out)
	case res.Queued:
		fmt.Fprintf(out, "Queued event %s\n", res.EventID)
	default:
		fmt.Fprintf(out, "Stored %s in %s\n", res.MemoryID, res.Backend)
	}
	return nil
}
