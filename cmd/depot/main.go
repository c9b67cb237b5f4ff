package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/cli"
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
	Use:   "depot",
	Short: "Depot content delivery CLI",
	Long:  "Depot packs, downloads and installs content archives and the tools they depend on.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	cli.AddPersistentFlags(rootCmd)

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("depot version %s\n", version))

	rootCmd.AddCommand(cli.NewSaveCmd())
	rootCmd.AddCommand(cli.NewInspectCmd())
	rootCmd.AddCommand(cli.NewInstallCmd())
	rootCmd.AddCommand(cli.NewItemsCmd())
	rootCmd.AddCommand(cli.NewToolsCmd())
	rootCmd.AddCommand(cli.NewEventsCmd())
}
