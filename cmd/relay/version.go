package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dork-labs/relay/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay %s (%s)\n", version.Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
