package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"
var name = "porthole"

var rootCmd = &cobra.Command{
	Use:          "porthole",
	Short:        "porthole is a single-host gateway for discovering, controlling, and reaching local services remotely.",
	SilenceUsage: true,
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "print the porthole version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", name, version)
	},
}

func init() {
	rootCmd.AddCommand(serverCommand)
	rootCmd.AddCommand(scanCommand)
	rootCmd.AddCommand(versionCommand)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
