package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/status"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the latest sync, cursors, buffer and file counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := openNode(false)
		if err != nil {
			return err
		}
		defer n.Close()

		report, err := status.Load(cmd.Context(), n.database.Conn())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		fmt.Print(renderReport(report))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func renderReport(r *status.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Sync Status\n\n", ui.RenderAccent("●"))

	initialised := ui.RenderWarn("no")
	if r.IsInitialised {
		initialised = ui.RenderPass("yes")
	}
	pairs := [][2]string{
		{"Initialised", initialised},
		{"Last sync", describeLog(r.Latest)},
	}
	if r.LastSuccessful != nil {
		pairs = append(pairs, [2]string{"Last success", formatTime(r.LastSuccessful.StartedDatetime.Time)})
	}
	pairs = append(pairs, [2]string{"Pending buffer", fmt.Sprint(r.PendingBuffer)})
	b.WriteString(ui.KeyValues(pairs))

	b.WriteString("\n" + ui.RenderBold("Cursors") + "\n")
	cursors := make([][2]string, 0, len(status.ReportCursors))
	for _, key := range status.ReportCursors {
		cursors = append(cursors, [2]string{string(key), fmt.Sprint(r.Cursors[key])})
	}
	b.WriteString(ui.KeyValues(cursors))

	if len(r.Files) > 0 {
		b.WriteString("\n" + ui.RenderBold("Files") + "\n")
		statuses := make([]string, 0, len(r.Files))
		for st := range r.Files {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		counts := make([][2]string, 0, len(statuses))
		for _, st := range statuses {
			counts = append(counts, [2]string{st, fmt.Sprint(r.Files[repo.FileStatus(st)])})
		}
		b.WriteString(ui.KeyValues(counts))
	}
	return b.String()
}

func describeLog(l *repo.SyncLog) string {
	if l == nil {
		return ui.RenderMuted("never")
	}
	started := formatTime(l.StartedDatetime.Time)
	switch {
	case l.ErrorMessage != nil:
		code := ""
		if l.ErrorCode != nil && *l.ErrorCode != "" {
			code = " [" + *l.ErrorCode + "]"
		}
		return fmt.Sprintf("%s %s%s: %s", started, ui.RenderFail("failed"), code, *l.ErrorMessage)
	case l.FinishedDatetime == nil:
		return fmt.Sprintf("%s %s", started, ui.RenderWarn("running"))
	default:
		took := l.FinishedDatetime.Time.Sub(l.StartedDatetime.Time).Round(time.Millisecond)
		return fmt.Sprintf("%s %s in %v", started, ui.RenderPass("ok"), took)
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
