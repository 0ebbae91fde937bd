package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/everydev1618/toolbox/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("toolbox", version.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
