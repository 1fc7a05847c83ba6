package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/delta"
	"github.com/abramin/annoscan/internal/index"
)

var (
	diffJSON bool
	diffFail bool
)

var diffCmd = &cobra.Command{
	Use:   "diff <before.json> <after.json>",
	Short: "Compare two exported index reports",
	Long: `Compare two reports written by "annoscan scan --export".

Lists added and removed classes per policy, added and removed annotation
targets per category, changed superclasses and changes to the resolved and
unresolved referenced classes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := index.LoadReport(args[0])
		if err != nil {
			return err
		}
		after, err := index.LoadReport(args[1])
		if err != nil {
			return err
		}

		d := delta.Compare(before, after)
		out := cmd.OutOrStdout()
		if diffJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			err = enc.Encode(d)
		} else {
			err = d.WriteText(out)
		}
		if err != nil {
			return err
		}
		if diffFail && !d.IsEmpty() {
			return fmt.Errorf("reports differ")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "print the delta as JSON")
	diffCmd.Flags().BoolVar(&diffFail, "exit-code", false, "exit non-zero when the reports differ")
}
