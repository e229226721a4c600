package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/veo-automator/internal/observability"
	"github.com/jonathan/veo-automator/internal/workflow"
)

var stepsMode string

var stepsCmd = &cobra.Command{
	Use:   "steps [name...]",
	Short: "List the workflow steps",
	Long:  "Prints the steps of a full or tail run in order. Critical steps abort the run when they fail. With names, prints only those steps.",
	RunE:  runSteps,
}

func init() {
	stepsCmd.Flags().StringVar(&stepsMode, "mode", string(workflow.ModeFull), "Sequence to list: full or tail")
	rootCmd.AddCommand(stepsCmd)
}

func runSteps(_ *cobra.Command, args []string) error {
	defs, err := selectSteps(workflow.Mode(stepsMode), args)
	if err != nil {
		return err
	}
	observability.NewPrinter(os.Stdout).PrintSteps(defs)
	return nil
}

// selectSteps returns the named steps, or the whole sequence for mode when
// no name is given.
func selectSteps(mode workflow.Mode, names []string) ([]workflow.StepDefinition, error) {
	if mode != workflow.ModeFull && mode != workflow.ModeTail {
		return nil, fmt.Errorf("unknown mode %q (want full or tail)", mode)
	}
	if len(names) == 0 {
		return workflow.Sequence(mode), nil
	}
	defs := make([]workflow.StepDefinition, 0, len(names))
	for _, name := range names {
		d, err := workflow.Lookup(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}
