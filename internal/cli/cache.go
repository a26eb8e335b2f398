package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/wdlharness/internal/store"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the cache of workflows registered with remote engines",
	}
	cmd.AddCommand(newCacheListCmd(), newCacheClearCmd())
	return cmd
}

func newCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached workflow registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cmd.Context(), workflowCachePath(), logger)
			if err != nil {
				return fmt.Errorf("open workflow cache: %w", err)
			}
			defer st.Close()

			entries, err := st.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list workflow cache: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No cached workflows.")
				return nil
			}

			fmt.Fprintf(out, "%-10s  %-14s  %-20s  %-16s  %s\n", "EXECUTOR", "KEY", "WORKFLOW", "CREATED", "SOURCE")
			fmt.Fprintf(out, "%-10s  %-14s  %-20s  %-16s  %s\n", "--------", "---", "--------", "-------", "------")
			for _, e := range entries {
				key := e.Key
				if len(key) > 12 {
					key = key[:12]
				}
				fmt.Fprintf(out, "%-10s  %-14s  %-20s  %-16s  %s\n", e.Executor, key, e.WorkflowID, humanize.Time(e.CreatedAt), e.Source)
			}
			return nil
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached workflow registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cmd.Context(), workflowCachePath(), logger)
			if err != nil {
				return fmt.Errorf("open workflow cache: %w", err)
			}
			defer st.Close()

			n, err := st.Clear(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear workflow cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached workflows.\n", n)
			return nil
		},
	}
}
