package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/mqttio/driver"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the driver version",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), driver.Version())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
