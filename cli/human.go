package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/petal-labs/depot/core"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func formatBytes(n uint64) string {
	return humanize.Bytes(n)
}

func formatProgress(p core.Progress) string {
	if p.Total == 0 {
		return fmt.Sprintf("%3d%%", p.Percent)
	}
	return fmt.Sprintf("%3d%% %s / %s", p.Percent, humanize.Bytes(p.Done), humanize.Bytes(p.Total))
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// progressBar renders percent as a fixed-width bar.
func progressBar(percent uint8, width int) string {
	if percent > 100 {
		percent = 100
	}
	filled := int(percent) * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func colorize(s, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + ansiReset
}
