package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate workflow definition files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateDefinitions(cmd.OutOrStdout(), args)
		},
	}
}

// validateDefinitions loads every definition under paths and reports each
// problem found. Stages without a retry policy get the engine default, as
// they would at registration. It fails if any definition is invalid.
func validateDefinitions(out io.Writer, paths []string) error {
	wfs, err := definition.NewLoader().LoadAll(paths)
	if err != nil {
		return err
	}

	validator := definition.NewValidator()
	invalid := 0
	retry := config.DefaultEngine().DefaultRetry
	for _, wf := range wfs {
		for i := range wf.Stages {
			if wf.Stages[i].RetryPolicy.IsZero() {
				wf.Stages[i].RetryPolicy = retry
			}
		}
		verrs := validator.Validate(wf)
		if len(verrs) == 0 {
			fmt.Fprintf(out, "ok      %s (%d stages)\n", wf.ID, len(wf.Stages))
			continue
		}
		invalid++
		fmt.Fprintf(out, "invalid %s\n", wf.ID)
		for _, ve := range verrs {
			fmt.Fprintf(out, "        [%s] %s\n", ve.Code, ve.Error())
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d workflow definitions invalid", invalid, len(wfs))
	}
	return nil
}
