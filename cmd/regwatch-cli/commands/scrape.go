package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"regwatch-backend/lib/serviceutil"
	"regwatch-backend/services/scrape"

	"github.com/spf13/cobra"
)

var (
	scrapeSource     *string
	scrapeType       *string
	scrapeParams     *map[string]string
	scrapeProcessAll *bool
)

func init() {
	scrapeSource = scrapeCmd.Flags().String("source", "hse", "Source register to scrape (hse, ea).")
	scrapeType = scrapeCmd.Flags().String("type", "case", "Enforcement type to scrape (case, notice).")
	scrapeParams = scrapeCmd.Flags().StringToString("param", nil, "Strategy parameters, e.g. --param start_page=1 --param max_pages=5.")
	scrapeProcessAll = scrapeCmd.Flags().Bool("process-all", false, "Reprocess records that already exist instead of skipping them.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--source <hse|ea>] [--type <case|notice>] [--param k=v ...]",
	Short: "Runs one scrape session to completion, printing progress.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		service := buildService()

		sessionID, err := service.StartScrape(ctx, scrape.StartRequest{
			Source:            scrape.Source(*scrapeSource),
			EnforcementType:   scrape.EnforcementType(*scrapeType),
			Params:            scrape.RawParams(*scrapeParams),
			ProcessAllRecords: *scrapeProcessAll,
		})
		if err != nil {
			serviceutil.Fatal("failed to start scrape", err)
		}
		slog.Info("scrape session started", "session", sessionID)

		events, unsubscribe := service.Events(sessionID)
		defer unsubscribe()

		// the bus drops events for slow consumers, so poll the session
		// as a fallback to notice terminal states
		poll := time.NewTicker(time.Second * 2)
		defer poll.Stop()

		t1 := time.Now()
		done := ctx.Done()
		for {
			select {
			case <-done:
				slog.Info("stopping session", "session", sessionID)
				err := service.StopScrape(context.Background(), sessionID)
				if err != nil {
					slog.Error("failed to stop session", "err", err)
				}
				done = nil
			case event := <-events:
				fmt.Printf(
					"%s %s %.1f%% found=%d created=%d existing=%d errors=%d\n",
					event.Phase, event.Position, event.Progress,
					event.RecordsFound, event.RecordsCreated,
					event.RecordsExisting, event.ErrorCount,
				)
				if event.Terminal {
					slog.Info(
						"session finished",
						"status", event.Phase,
						"seconds", time.Since(t1).Seconds(),
					)
					return
				}
			case <-poll.C:
				sess, err := service.GetSession(context.Background(), sessionID)
				if err != nil {
					serviceutil.Fatal("failed to read session", err)
				}
				if sess.Status.Terminal() {
					slog.Info(
						"session finished",
						"status", sess.Status,
						"seconds", time.Since(t1).Seconds(),
					)
					return
				}
			}
		}
	},
}
