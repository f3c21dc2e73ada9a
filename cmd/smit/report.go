package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/goeb/smit/internal/debug"
	"github.com/goeb/smit/internal/syncengine"
	"github.com/goeb/smit/internal/ui"
)

// printReport prints the summary of a transfer. A nil report prints
// nothing.
func printReport(w io.Writer, op string, rep *syncengine.Report) {
	if rep == nil || debug.IsQuiet() {
		return
	}
	icon := ui.RenderPassIcon()
	if rep.Failed > 0 {
		icon = ui.RenderWarnIcon()
	}
	fmt.Fprintf(w, "%s %s: %s\n", icon, op, ui.Count(rep.Projects, "project"))

	counts := []struct {
		n     int
		label string
	}{
		{rep.Adopted, "new branches"},
		{rep.FastForwarded, "fast-forwarded"},
		{rep.Renamed, "renamed"},
		{rep.Rebased, "rebased"},
		{rep.Pushed, "refs pushed"},
		{rep.Received, "received"},
	}
	for _, c := range counts {
		if c.n > 0 {
			fmt.Fprintf(w, "%s%s\n", ui.TreeIndent, ui.Counter(c.n, c.label))
		}
	}
	if rep.Failed > 0 {
		fmt.Fprintf(w, "%s%s\n", ui.TreeIndent, ui.RenderFail(ui.Count(rep.Failed, "failure")))
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "%s%s%s\n", ui.TreeIndent, ui.TreeLast, ui.RenderMuted(f))
		}
	}
}

var infoCmd = &cobra.Command{
	Use:   "info [dir]",
	Short: "Show where a clone comes from",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := syncengine.ReadCloneInfo(cloneDir(args))
		if err != nil {
			return err
		}
		printCloneInfo(os.Stdout, info)
		return nil
	},
}

func printCloneInfo(w io.Writer, info *syncengine.CloneInfo) {
	fmt.Fprintf(w, "%s %s\n", ui.RenderCategory("remote"), info.URL)
	if info.User != "" {
		fmt.Fprintf(w, "%suser: %s\n", ui.TreeIndent, info.User)
	}
	fmt.Fprintf(w, "%scloned %s\n", ui.TreeIndent, humanize.Time(info.ClonedAt))
	if !info.PulledAt.IsZero() {
		fmt.Fprintf(w, "%spulled %s\n", ui.TreeIndent, humanize.Time(info.PulledAt))
	}
	fmt.Fprintf(w, "%s\n", ui.RenderCategory("projects"))
	for _, p := range info.Projects {
		fmt.Fprintf(w, "%s%s%s\n", ui.TreeIndent, ui.TreeChild, p)
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
