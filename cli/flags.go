package cli

import "github.com/spf13/cobra"

// AddPersistentFlags registers the flags every subcommand reads.
func AddPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Config file (default: ./depot.yaml, then ~/.depot/config.yaml)")
	root.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	root.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
}
