package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/archive"
)

// NewInspectCmd creates the "inspect" subcommand.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Show the index of an archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().Bool("json", false, "Print the header as JSON")
	cmd.Flags().String("verify", "", "Check the files extracted under this directory against the index")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	header, err := archive.ReadFileHeader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
		return exitError(exitValidation, "%v", err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(header); err != nil {
			return exitError(exitRuntime, "encoding header: %v", err)
		}
	} else {
		printf(out, "%s\n", renderHeader(path, header))
	}

	dir, _ := cmd.Flags().GetString("verify")
	if dir == "" {
		return nil
	}
	c := archive.NewContainer(archive.ContainerConfig{})
	c.SetFile(path)
	if err := c.ParseHeader(cmd.Context()); err != nil {
		return failed(err, "reading %s", path)
	}
	if err := c.VerifyInstall(cmd.Context(), dir); err != nil {
		return failed(err, "verifying %s", dir)
	}
	printf(out, "%s matches the index\n", dir)
	return nil
}

func renderHeader(path string, h *archive.Header) string {
	rows := make([][]string, 0, len(h.Entries))
	for _, e := range h.Entries {
		rows = append(rows, []string{
			e.Name,
			formatBytes(uint64(e.RawSize)),
			formatBytes(uint64(e.Size)),
			ratio(e.Size, e.RawSize),
			fmt.Sprintf("%016x", e.RawDigest),
		})
	}
	summary := fmt.Sprintf("%s: branch %d, build %d, %d files, %s (%s stored)",
		path, h.Branch, h.Build, len(h.Entries),
		formatBytes(uint64(h.RawSize())), formatBytes(uint64(h.Size())))
	return summary + "\n" + renderTable(
		[]string{"File", "Size", "Stored", "Ratio", "Digest"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func ratio(stored, raw int64) string {
	if raw == 0 {
		return "-"
	}
	return strconv.FormatFloat(float64(stored)/float64(raw)*100, 'f', 1, 64) + "%"
}
