package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
)

// NewItemsCmd creates the "items" subcommand.
func NewItemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List items with their branch, progress and status flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			return printItems(cmd.Context(), cmd, e.items, nil)
		},
	}
}

// printItems renders ids (every item when empty) as a table.
func printItems(ctx context.Context, cmd *cobra.Command, items item.Store, ids []core.ItemID) error {
	var infos []item.Info
	if len(ids) == 0 {
		all, err := items.List(ctx)
		if err != nil {
			return failed(err, "listing items")
		}
		infos = all
	} else {
		for _, id := range ids {
			info, err := items.Get(ctx, id)
			if err != nil {
				return failed(err, "reading %s", id)
			}
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		printf(cmd.OutOrStdout(), "No items.\n")
		return nil
	}

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		tools := make([]string, 0, len(info.Branch.Tools))
		for _, t := range info.Branch.Tools {
			tools = append(tools, string(t))
		}
		rows = append(rows, []string{
			string(info.ID),
			info.Name,
			fmt.Sprintf("%d/%d", info.Branch.ID, info.Branch.Build),
			strconv.Itoa(int(info.Percent)) + "%",
			info.Flags.String(),
			strings.Join(tools, ","),
		})
	}
	printf(cmd.OutOrStdout(), "%s\n", renderTable(
		[]string{"Item", "Name", "Branch/Build", "Progress", "Flags", "Tools"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	return nil
}
