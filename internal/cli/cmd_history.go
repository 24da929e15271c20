package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/tunnelroom/internal/config"
	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/store/sqlite"
)

func newHistoryCmd() *cobra.Command {
	var (
		journalPath = config.DefaultUp().JournalPath
		filter      sqlite.EventFilter
		roomID      string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show tunnel lifecycle events from the session journal",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			journalPath = strings.TrimSpace(journalPath)
			if journalPath == "" {
				return usageError(errors.New("missing --journal or TUNNELROOM_JOURNAL_PATH"))
			}
			if roomID != "" {
				filter.RoomID = domain.RoomID(strings.TrimSpace(roomID))
			}
			store, err := sqlite.Open(journalPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.ListEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "no events")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tROOM\tURL\tSESSION\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.At.Local().Format(time.DateTime),
					ev.Kind,
					dash(string(ev.RoomID)),
					dash(ev.URL),
					shortSession(ev.SessionID),
					ev.Detail,
				)
			}
			return tw.Flush()
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&journalPath, "journal", journalPath, "Session journal database")
	fs.StringVar(&filter.SessionID, "session", "", "Only show events from this session")
	fs.StringVar(&roomID, "room", "", "Only show events for this room code")
	fs.IntVarP(&filter.Limit, "limit", "n", 20, "Max events to show")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
