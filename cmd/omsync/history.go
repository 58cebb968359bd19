package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "inspect",
	Short:   "List past sync cycles",
	Long: `List sync cycles, newest first.

--since takes a date or a phrase:
  omsync log --since yesterday
  omsync log --since "last monday"
  omsync log --since 2024-03-01`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		var since *repo.Timestamp
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			ts := repo.NewTimestamp(t)
			since = &ts
		}

		n, err := openNode(false)
		if err != nil {
			return err
		}
		defer n.Close()

		logs, err := repo.NewSyncLogRepo(n.database.Conn()).Since(cmd.Context(), since, limit)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Printf("%s No sync cycles recorded\n", ui.RenderWarn("⚠"))
			return nil
		}

		rows := make([][]string, len(logs))
		for i, l := range logs {
			rows[i] = []string{formatTime(l.StartedDatetime.Time), outcomeOf(&l), stepsOf(&l)}
		}
		fmt.Println(ui.Table([]string{"Started", "Outcome", "Moved"}, rows))
		return nil
	},
}

func init() {
	logCmd.Flags().String("since", "", "Only cycles started after this time")
	logCmd.Flags().Int("limit", 20, "Maximum cycles to list")
	rootCmd.AddCommand(logCmd)
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince reads an RFC 3339 time, a date, or a natural language phrase
// relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, text, now.Location()); err == nil {
		return t, nil
	}
	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

func outcomeOf(l *repo.SyncLog) string {
	switch {
	case l.ErrorMessage != nil:
		if l.ErrorCode != nil && *l.ErrorCode != "" {
			return ui.RenderFail(*l.ErrorCode)
		}
		return ui.RenderFail("failed")
	case l.FinishedDatetime == nil:
		return ui.RenderWarn("running")
	default:
		return ui.RenderPass("ok")
	}
}

// stepsOf summarises the rows each finished step moved.
func stepsOf(l *repo.SyncLog) string {
	steps := []struct {
		name string
		done *int64
	}{
		{"push", l.PushProgressDone},
		{"push v6", l.PushV6ProgressDone},
		{"central", l.PullCentralProgressDone},
		{"queue", l.PullRemoteProgressDone},
		{"pull v6", l.PullV6ProgressDone},
		{"integrated", l.IntegrationProgressDone},
	}
	var parts []string
	for _, s := range steps {
		if s.done != nil && *s.done > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s.name, *s.done))
		}
	}
	if len(parts) == 0 {
		return ui.RenderMuted("nothing")
	}
	return strings.Join(parts, ", ")
}
