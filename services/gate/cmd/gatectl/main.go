package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "gatectl",
		Short:        "Operator tools for the media gate",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(actionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
