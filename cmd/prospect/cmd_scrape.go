package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/FranksOps/prospect/internal/remote"
	"github.com/FranksOps/prospect/internal/report"
	"github.com/FranksOps/prospect/internal/session"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/spf13/cobra"
)

func newScrapeCmd(a *app) *cobra.Command {
	var (
		format      string
		showRecords bool
	)

	cmd := &cobra.Command{
		Use:   "scrape <search term>",
		Short: "Run one live scrape and save the results",
		Long: `Starts a Google Maps scrape for the search term, prints progress while
businesses stream in, and on completion saves the full result set to the
backend and every configured archive. Ctrl-C stops the scrape; nothing is
saved for a stopped scrape.

Example:
  prospect scrape "dentists in bristol" --max-results 40 --archive sqlite:leads.db`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := strings.Join(args, " ")

			ws, err := a.wireSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logClose(a.logger, ws)

			runErr := ws.session.Run(cmd.Context(), a.scrapeRequest(term))
			if errors.Is(runErr, remote.ErrInvalidRequest) || errors.Is(runErr, session.ErrBusy) {
				return runErr
			}

			snap := ws.session.Snapshot()
			if showRecords && format == "text" {
				if err := writeRecords(cmd.OutOrStdout(), snap.Records); err != nil {
					return err
				}
			}
			if err := writeReport(cmd.OutOrStdout(), format, report.FromSnapshot(snap)); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&format, "report", "text", "report format: text, json or html")
	cmd.Flags().BoolVar(&showRecords, "records", false, "print the scraped businesses before the report")
	return cmd
}

func writeReport(w io.Writer, format string, summaries ...report.Summary) error {
	switch format {
	case "text":
		return report.WriteText(w, summaries...)
	case "json":
		if len(summaries) == 1 {
			return report.WriteJSON(w, summaries[0])
		}
		return report.WriteJSON(w, summaries)
	case "html":
		return report.WriteHTML(w, summaries...)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeRecords(w io.Writer, records []storage.BusinessRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tWEBSITE\tPHONE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.BusinessName, orDash(r.Website), orDash(r.Phone))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	_, err := fmt.Fprintln(w)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
