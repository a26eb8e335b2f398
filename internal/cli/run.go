package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/wdlharness/internal/store"
	"github.com/me/wdlharness/internal/suite"
	"github.com/me/wdlharness/pkg/executor"
)

func newRunCmd() *cobra.Command {
	var filterExpr string
	var executors []string

	cmd := &cobra.Command{
		Use:   "run <suite-file>...",
		Short: "Run the tests of one or more suite files",
		Long: `Runs every test of each suite file on its executors and prints a report.

A filter expression selects tests by name, tags and wdl, e.g.
  --filter '"slow" not in tags'
  --filter 'name startsWith "align"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := suite.NewFilter(filterExpr)
			if err != nil {
				return err
			}

			st, err := store.Open(cmd.Context(), workflowCachePath(), logger)
			if err != nil {
				return fmt.Errorf("open workflow cache: %w", err)
			}
			defer st.Close()

			registry := newRegistry(logger)
			registry.Register(executor.OmicsName, executor.OmicsFactory(st))

			runner := &suite.Runner{
				Config:    cfg,
				Registry:  registry,
				Executors: executors,
				Logger:    logger,
			}

			var all []suite.Result
			for _, path := range args {
				s, err := suite.Load(path)
				if err != nil {
					return err
				}
				results, err := runner.Run(cmd.Context(), s, filter)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				all = append(all, results...)
			}

			if err := suite.WriteReport(cmd.OutOrStdout(), all); err != nil {
				return err
			}
			summary := suite.Summarize(all)
			if !summary.OK() {
				return errors.New("test run failed: " + summary.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filterExpr, "filter", "", "Expression selecting tests by name, tags and wdl")
	cmd.Flags().StringSliceVarP(&executors, "executor", "e", nil, "Executors to run on, overriding the suite and config (repeatable)")

	return cmd
}
