package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/mirror"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// printSummary writes a one line outcome of a run for humans.
func printSummary(w io.Writer, res *mirror.Result) {
	if res.UpToDate {
		fmt.Fprintf(w, "%s %s\n", green.Render("OK"), gray.Render("version unchanged, nothing to do"))
		return
	}
	status := green.Render("OK")
	if !res.Success() {
		status = red.Render("INCOMPLETE")
	}
	details := gray.Render(fmt.Sprintf("(%s files checked, %s, %s)",
		humanize.Comma(int64(res.TotalRemote)),
		humanize.IBytes(uint64(res.Bytes)),
		res.Duration.Round(time.Millisecond),
	))
	fmt.Fprintf(w, "%s %d downloaded, %d failed, %d skipped, %d pruned %s\n",
		status, res.Downloaded, res.Failed, res.Skipped, res.Pruned, details)
}
