package main

import (
	"errors"
	"fmt"

	"github.com/gammadia/gridscale/client/ui"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:     "remove NODE...",
	Aliases: []string{"rm"},
	Short:   "Remove nodes by alias or instance id",
	Args:    cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		for _, node := range args {
			spinner := ui.NewSpinner(fmt.Sprintf("Removing %s", node))
			if err := client.RemoveNode(cmd.Context(), node); err != nil {
				spinner.Fail()
				errs = append(errs, fmt.Errorf("%s: %w", node, err))
				continue
			}
			spinner.Success(fmt.Sprintf("Removed %s", node))
		}
		return errors.Join(errs...)
	},
}
