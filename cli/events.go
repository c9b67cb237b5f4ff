package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Show the lifecycle journal",
		Long: "Without arguments, list the journaled runs, newest first. With a run\n" +
			"id, print the summary and events of that run in sequence order.",
		Args: cobra.MaximumNArgs(1),
		RunE: runEvents,
	}
	cmd.Flags().String("item", "", "Only list runs of this item")
	cmd.Flags().String("status", "", "Only list runs with this status (running, paused, success, failed, stopped)")
	cmd.Flags().StringSlice("kind", nil, "Only show events of these kinds")
	cmd.Flags().String("stage", "", "Only show events of this stage")
	cmd.Flags().Uint64("after", 0, "Only show events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum number of runs or events (0 = all)")
	cmd.Flags().Bool("json", false, "Print runs or events as JSON lines")
	cmd.Flags().Bool("prune", false, "Apply the journal retention policy before listing")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd, envOptions{journal: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.Close(ctx)

	if e.cfg.Database == "" {
		printf(cmd.ErrOrStderr(), "No database configured; the journal only lives for one command.\n")
	}
	if prune, _ := cmd.Flags().GetBool("prune"); prune {
		n, err := e.events.Prune(ctx)
		if err != nil {
			return exitError(exitRuntime, "pruning journal: %v", err)
		}
		printf(cmd.ErrOrStderr(), "Pruned %d %s.\n", n, plural(n, "run", "runs"))
	}

	if len(args) == 0 {
		return listRuns(cmd, e.events)
	}
	return showRun(cmd, e.events, args[0])
}

func listRuns(cmd *cobra.Command, journal bus.Journal) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	filter := bus.RunFilter{}
	itemID, _ := cmd.Flags().GetString("item")
	filter.ItemID = core.ItemID(itemID)
	if name, _ := cmd.Flags().GetString("status"); name != "" {
		status, ok := bus.ParseRunStatus(name)
		if !ok {
			return exitError(exitValidation, "unknown run status %q", name)
		}
		filter.Status = status
	}
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	runs, err := journal.Runs(ctx, filter)
	if err != nil {
		return exitError(exitRuntime, "listing runs: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		for _, run := range runs {
			if err := enc.Encode(run); err != nil {
				return exitError(exitRuntime, "encoding run: %v", err)
			}
		}
		return nil
	}
	if len(runs) == 0 {
		printf(out, "No runs recorded.\n")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			string(run.ItemID),
			string(run.Status),
			string(run.Stage),
			formatAgo(run.Started),
			strconv.Itoa(run.Events),
		})
	}
	printf(out, "%s\n", renderTable(
		[]string{"Run", "Item", "Status", "Stage", "Started", "Events"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
	return nil
}

func showRun(cmd *cobra.Command, journal bus.Journal, runID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	run, err := journal.Run(ctx, runID)
	if err != nil {
		return failed(err, "reading run %s", runID)
	}

	filter := bus.EventFilter{}
	filter.AfterSeq, _ = cmd.Flags().GetUint64("after")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	stage, _ := cmd.Flags().GetString("stage")
	filter.Stage = core.Stage(stage)
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	for _, kind := range kinds {
		filter.Kinds = append(filter.Kinds, runtime.EventKind(kind))
	}

	events, err := journal.Events(ctx, runID, filter)
	if err != nil {
		return exitError(exitRuntime, "reading run %s: %v", runID, err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return exitError(exitRuntime, "encoding event: %v", err)
			}
		}
		return nil
	}

	printf(out, "Run %s", run.ID)
	if run.ItemID != "" {
		printf(out, " of %s", run.ItemID)
	}
	printf(out, ": %s", run.Status)
	if run.Stage != "" {
		printf(out, " at %s", run.Stage)
	}
	if run.Error != "" {
		printf(out, " (%s)", run.Error)
	}
	printf(out, ", %d %s\n", run.Events, plural(run.Events, "event", "events"))
	if len(events) == 0 {
		printf(out, "No events match.\n")
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatUint(ev.Seq, 10),
			ev.Time.Local().Format("15:04:05.000"),
			string(ev.Kind),
			string(ev.Stage),
			workerLabel(ev),
			payloadSummary(ev),
		})
	}
	printf(out, "%s\n", renderTable(
		[]string{"Seq", "Time", "Kind", "Stage", "Worker", "Details"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func workerLabel(ev runtime.Event) string {
	if ev.WorkerID == 0 {
		return ""
	}
	return strconv.Itoa(ev.WorkerID)
}

// payloadSummary renders the payload as sorted key=value pairs.
func payloadSummary(ev runtime.Event) string {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	if ev.Elapsed > 0 {
		parts = append(parts, "elapsed="+ev.Elapsed.String())
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Payload[k]))
	}
	return strings.Join(parts, " ")
}
