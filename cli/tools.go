package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and acquire the tools items depend on",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsReloadCmd())
	cmd.AddCommand(newToolsInstallCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tool registry",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd, envOptions{tools: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	// An empty registry is filled from the catalog first.
	records, err := e.tools.Tools(ctx)
	if err == nil && len(records) == 0 {
		if err := e.tools.ReloadTools(ctx, ""); err != nil {
			return failed(err, "reloading tools")
		}
		records, err = e.tools.Tools(ctx)
	}
	if err != nil {
		return failed(err, "listing tools")
	}
	if len(records) == 0 {
		printf(cmd.OutOrStdout(), "No tools declared.\n")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		items := make([]string, 0, len(rec.Items))
		for _, id := range rec.Items {
			items = append(items, string(id))
		}
		if len(items) == 0 {
			items = append(items, "*")
		}
		rows = append(rows, []string{
			string(rec.ID),
			rec.Version,
			toolState(rec),
			strings.Join(items, ","),
			formatAgo(rec.UpdatedAt),
		})
	}
	printf(cmd.OutOrStdout(), "%s\n", renderTable(
		[]string{"Tool", "Version", "State", "Items", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}

func toolState(rec tool.Record) string {
	switch {
	case !rec.Valid():
		return "invalid"
	case rec.Installed:
		return "installed"
	case rec.Downloaded:
		return "downloaded"
	default:
		return "pending"
	}
}

func newToolsReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Refresh the tool registry from the catalog",
		Args:  cobra.NoArgs,
		RunE:  runToolsReload,
	}
	cmd.Flags().String("item", "", "Only reload the tools of this item")
	cmd.Flags().Bool("watch", false, "Keep reloading on tools.reload_schedule until interrupted")
	cmd.Flags().String("schedule", "", "Cron expression overriding tools.reload_schedule (UTC)")
	return cmd
}

func runToolsReload(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd, envOptions{journal: true, tools: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	itemID, _ := cmd.Flags().GetString("item")
	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		if err := e.tools.ReloadTools(ctx, core.ItemID(itemID)); err != nil {
			return failed(err, "reloading tools")
		}
		records, err := e.tools.Tools(ctx)
		if err != nil {
			return failed(err, "listing tools")
		}
		printf(cmd.OutOrStdout(), "Reloaded %d tools.\n", len(records))
		return nil
	}

	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule == "" {
		schedule = e.cfg.Tools.ReloadSchedule
	}
	if schedule == "" {
		return exitError(exitValidation, "--watch needs a schedule: set tools.reload_schedule or --schedule")
	}
	var items []core.ItemID
	if itemID != "" {
		items = append(items, core.ItemID(itemID))
	}
	out := cmd.OutOrStdout()
	scheduler, err := tool.NewReloadScheduler(tool.ReloadSchedulerConfig{
		Reloader:   e.tools,
		Schedule:   schedule,
		ItemIDs:    items,
		RunOnStart: true,
		OnEvent: func(ev tool.ReloadEvent) {
			if ev.Error != nil {
				printf(out, "%s reload failed: %v\n", ev.Started.Format("15:04:05"), ev.Error)
				return
			}
			printf(out, "%s reloaded in %s\n", ev.Started.Format("15:04:05"), ev.Duration)
		},
		Logger: e.logger,
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := scheduler.Start(watchCtx); err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	printf(out, "Watching %q, next reload at %s.\n", schedule, scheduler.Next(time.Now()).Format("15:04:05 MST"))
	<-watchCtx.Done()
	return scheduler.Stop(context.WithoutCancel(ctx))
}

func newToolsInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <tool...>",
		Short: "Download and install tools without installing an item",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runToolsInstall,
	}
	cmd.Flags().Bool("download-only", false, "Fetch payloads without installing them")
	return cmd
}

func runToolsInstall(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd, envOptions{journal: true, tools: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	if err := e.tools.ReloadTools(ctx, ""); err != nil {
		return failed(err, "reloading tools")
	}
	ids := make([]core.ToolID, 0, len(args))
	for _, arg := range args {
		ids = append(ids, core.ToolID(arg))
	}
	if !e.tools.AreAllToolsValid(ids) {
		return exitError(exitTool, "unknown or invalid tool in %s", strings.Join(args, ", "))
	}

	tx := tool.NewTransaction(ids...)
	var id tool.TransactionID
	if downloadOnly, _ := cmd.Flags().GetBool("download-only"); downloadOnly {
		id = e.tools.DownloadTools(tx)
	} else {
		id = e.tools.InstallTools(tx)
	}
	defer e.tools.RemoveTransaction(id, false)

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := e.tools.Wait(waitCtx, id); err != nil {
		if waitCtx.Err() != nil {
			e.tools.RemoveTransaction(id, true)
			return exitError(exitStopped, "interrupted")
		}
		return exitError(exitTool, "%v", err)
	}
	printf(cmd.OutOrStdout(), "Acquired %s.\n", strings.Join(args, ", "))
	return nil
}
