package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/pipeline"
)

// NewInstallCmd creates the "install" subcommand.
func NewInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [item...]",
		Short: "Download and install items and the tools they need",
		Long: "Download the current build of each item, acquire its tools and install it.\n" +
			"Without arguments every declared item is installed.",
		RunE: runInstall,
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("metrics", false, "Print collected telemetry metrics when done")
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("pause-on-error", false, "Pause items on error and retry instead of rolling back")
	cmd.Flags().Int("retries", 3, "Resume attempts for an item paused on error")
	cmd.Flags().Duration("retry-backoff", time.Second, "Delay before resuming a paused item")
	cmd.Flags().Int("parallel", 0, "Items processed at once (0 = all)")
}

func runOptionsFrom(cmd *cobra.Command) runOptions {
	retries, _ := cmd.Flags().GetInt("retries")
	backoff, _ := cmd.Flags().GetDuration("retry-backoff")
	parallel, _ := cmd.Flags().GetInt("parallel")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return runOptions{parallel: parallel, retries: retries, backoff: backoff, quiet: quiet}
}

func pauseOnError(cmd *cobra.Command, e *env) bool {
	if cmd.Flags().Changed("pause-on-error") {
		pause, _ := cmd.Flags().GetBool("pause-on-error")
		return pause
	}
	return e.cfg.PauseOnError
}

func runInstall(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd, envOptions{journal: true, tools: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	ids, err := installTargets(ctx, e.items, args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		printf(cmd.OutOrStdout(), "No items declared.\n")
		return nil
	}

	handles := make([]*pipeline.Handle, 0, len(ids))
	for _, id := range ids {
		h, err := e.handle(id, pauseOnError(cmd, e))
		if err != nil {
			return failed(err, "creating pipeline for %s", id)
		}
		if err := h.Start(ctx); err != nil {
			return failed(err, "starting %s", id)
		}
		handles = append(handles, h)
	}

	runErr := runHandles(ctx, e, handles, cmd.OutOrStdout(), runOptionsFrom(cmd))
	if err := printItems(ctx, cmd, e.items, ids); err != nil {
		return err
	}
	if showMetrics, _ := cmd.Flags().GetBool("metrics"); showMetrics {
		if err := printMetrics(ctx, cmd.OutOrStdout(), e); err != nil {
			return err
		}
	}
	return failed(runErr, "install")
}

// installTargets resolves the ids on the command line, or every known item.
func installTargets(ctx context.Context, items item.Store, args []string) ([]core.ItemID, error) {
	if len(args) > 0 {
		ids := make([]core.ItemID, 0, len(args))
		for _, arg := range args {
			id := core.ItemID(arg)
			if _, err := items.Get(ctx, id); err != nil {
				return nil, failed(err, "resolving %s", arg)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	infos, err := items.List(ctx)
	if err != nil {
		return nil, failed(err, "listing items")
	}
	ids := make([]core.ItemID, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids, nil
}
