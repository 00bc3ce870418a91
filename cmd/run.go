package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute pipeline steps",
	Long: `Execute the pipeline given with -p. Steps run in order: r records a
meeting, e exports the mixed recording, p plays it. Without r, e and p act
on the newest recording.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rp)")
		}

		svc := newService()
		defer svc.Close()

		steps := []rune(strings.ToLower(pipeline))
		result, err := latestResult(svc)
		if err != nil && steps[0] != 'r' {
			return err
		}
		return runSteps(cmd.Context(), svc, result, steps)
	},
}
