package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/FranksOps/prospect/internal/report"
	"github.com/FranksOps/prospect/internal/sink"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/spf13/cobra"
)

func newRecordsCmd(a *app) *cobra.Command {
	var (
		from       string
		term       string
		hasWebsite bool
		hasPhone   bool
		since      time.Duration
		limit      int
		offset     int
		summary    bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List or summarise businesses in a local archive",
		Long: `Queries a local archive, newest first. --from picks the archive
(default: the first configured archive).

Example:
  prospect records --from sqlite:leads.db --term "dentists in bristol" --has-website=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				if len(a.cfg.Archive) == 0 {
					return fmt.Errorf("no archive configured, pass --from")
				}
				from = a.cfg.Archive[0]
			}

			backend, _, err := sink.OpenBackend(cmd.Context(), from)
			if err != nil {
				return err
			}
			defer logClose(a.logger, backend)

			filter := storage.Filter{SearchTerm: term, Limit: limit, Offset: offset}
			if cmd.Flags().Changed("has-website") {
				filter.HasWebsite = &hasWebsite
			}
			if cmd.Flags().Changed("has-phone") {
				filter.HasPhone = &hasPhone
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			if summary {
				filter.Limit, filter.Offset = 0, 0
			}

			records, err := backend.Query(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("query archive: %w", err)
			}

			out := cmd.OutOrStdout()
			switch {
			case summary && format == "json":
				return report.WriteJSON(out, report.SummarizeArchive(records))
			case summary:
				return report.WriteArchiveText(out, report.SummarizeArchive(records))
			case format == "json":
				enc := json.NewEncoder(out)
				for _, r := range records {
					if err := enc.Encode(r); err != nil {
						return fmt.Errorf("encode record: %w", err)
					}
				}
				return nil
			case format == "text":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SAVED\tSEARCH\tNAME\tWEBSITE\tPHONE")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.CreatedAt.Local().Format("2006-01-02 15:04"), r.SearchTerm, r.BusinessName, orDash(r.Website), orDash(r.Phone))
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "", "archive to read: sqlite:<dsn>, postgres:<dsn>, json:<path> or csv:<path>")
	f.StringVar(&term, "term", "", "only records from this search term")
	f.BoolVar(&hasWebsite, "has-website", false, "only records with (true) or without (false) a website")
	f.BoolVar(&hasPhone, "has-phone", false, "only records with (true) or without (false) a phone number")
	f.DurationVar(&since, "since", 0, "only records saved within this long, e.g. 24h")
	f.IntVar(&limit, "limit", 50, "maximum records to print (0 for all)")
	f.IntVar(&offset, "offset", 0, "records to skip")
	f.BoolVar(&summary, "summary", false, "print counts instead of records")
	f.StringVar(&format, "format", "text", "text or json")
	return cmd
}
