package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of figrelay.
var Version = "unset"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of figrelay",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("figrelay version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
