package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/wdlharness/internal/suite"
)

func newValidateCmd() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate [suite-file]...",
		Short: "Check suite files against the suite schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if printSchema {
				doc, err := suite.Schema()
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal schema: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(args) == 0 {
				return errors.New("requires at least 1 suite file")
			}

			var errs []error
			for _, path := range args {
				s, err := suite.Load(path)
				if err != nil {
					fmt.Fprintf(out, "INVALID %s\n", path)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "ok      %s (%d tests, %d fixtures)\n", path, len(s.Tests), len(s.Data))
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the suite JSON Schema instead")

	return cmd
}
