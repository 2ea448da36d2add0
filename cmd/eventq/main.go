package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/eventq/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventq",
	Short: "eventq in-process event bus tools",
	Long:  "eventq - run and inspect the typed in-process event bus and its storage control-plane simulation.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("eventq version %s\n", version))

	rootCmd.AddCommand(cli.NewSimulateCmd())
	rootCmd.AddCommand(cli.NewValidateConfigCmd())
	rootCmd.AddCommand(cli.NewJournalCmd())
}
