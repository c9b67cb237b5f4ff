package cli

import (
	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/pipeline"
)

// NewSaveCmd creates the "save" subcommand.
func NewSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <item> <archive>",
		Short: "Pack an installed item into an archive",
		Long: "Compress the install directory of an item (or --src) into an archive,\n" +
			"spreading the files across the configured number of workers.",
		Args: cobra.ExactArgs(2),
		RunE: runSave,
	}
	cmd.Flags().String("src", "", "Directory to pack instead of the item's install directory")
	addRunFlags(cmd)
	return cmd
}

func runSave(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd, envOptions{journal: true, tools: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	id := core.ItemID(args[0])
	if _, err := e.items.Get(ctx, id); err != nil {
		return failed(err, "resolving %s", id)
	}
	h, err := e.handle(id, pauseOnError(cmd, e))
	if err != nil {
		return failed(err, "creating pipeline for %s", id)
	}
	src, _ := cmd.Flags().GetString("src")
	h.GoToStageSave(src, args[1])

	if err := runHandles(ctx, e, []*pipeline.Handle{h}, cmd.OutOrStdout(), runOptionsFrom(cmd)); err != nil {
		return failed(err, "save")
	}
	if save, ok := h.Last().(*pipeline.SaveTask); ok && save.Header() != nil {
		printf(cmd.OutOrStdout(), "%s\n", renderHeader(args[1], save.Header()))
	}
	return nil
}
