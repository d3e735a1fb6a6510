package commands

import (
	"fmt"
	"text/tabwriter"

	"regwatch-backend/lib/serviceutil"

	"github.com/spf13/cobra"
)

var sessionsLimit *int

func init() {
	sessionsLimit = sessionsCmd.Flags().Int("limit", 20, "Maximum number of sessions to list.")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [--limit <n>]",
	Short: "Lists recent scrape sessions and their counters.",
	Run: func(cmd *cobra.Command, args []string) {
		service := buildService()

		sessions, err := service.ListSessions(cmd.Context(), *sessionsLimit)
		if err != nil {
			serviceutil.Fatal("failed to list sessions", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tSTATUS\tPROGRESS\tFOUND\tCREATED\tEXISTING\tERRORS\tUPDATED")
		for _, sess := range sessions {
			fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t%.1f%%\t%d\t%d\t%d\t%d\t%s\n",
				sess.ID, sess.Source, sess.EnforcementType, sess.Status,
				service.Progress(sess),
				sess.RecordsFound, sess.RecordsCreated,
				sess.RecordsExisting, sess.ErrorCount,
				sess.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		w.Flush()
	},
}
