package main

import (
	"fmt"
	"strconv"

	"github.com/gammadia/gridscale/client/ui"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add [COUNT]",
	Short: "Request new nodes, one by default",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		count := 1
		if len(args) > 0 {
			var err error
			if count, err = strconv.Atoi(args[0]); err != nil || count < 1 {
				return fmt.Errorf("invalid node count '%s'", args[0])
			}
		}

		spinner := ui.NewSpinner(fmt.Sprintf("Requesting %d node(s)", count))
		if err := client.RequestCapacity(cmd.Context(), count); err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Requested %d node(s), follow them with 'gridctl nodes'", count))
		return nil
	},
}
