package main

import (
	"fmt"
	"io"
	"os"

	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/session"
	"github.com/FranksOps/prospect/pkg/ratelimit"
	"github.com/spf13/cobra"
)

func newBatchCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "batch <terms file>",
		Short: "Scrape every search term in a file, one after another",
		Long: `Reads one search term per line ("-" reads stdin; blank lines and lines
starting with # are skipped) and runs them sequentially, pausing
--interval (with --jitter) between starts. A failed term is reported and
the batch continues; Ctrl-C stops the current term and the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, err := readTermsFile(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if len(terms) == 0 {
				return fmt.Errorf("%s: no search terms", args[0])
			}

			ws, err := a.wireSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logClose(a.logger, ws)

			b := &pipeline.Batch{
				Session:       ws.session,
				Limiter:       ratelimit.NewLimiter(a.cfg.BatchInterval, a.cfg.BatchJitter),
				MaxResults:    a.cfg.MaxResults,
				ExcludeSector: a.cfg.ExcludeSector,
				Logger:        a.logger,
			}
			summaries, err := b.Run(cmd.Context(), terms)
			if err != nil {
				return err
			}

			if err := writeReport(cmd.OutOrStdout(), format, summaries...); err != nil {
				return err
			}

			failed := 0
			for _, s := range summaries {
				if s.Outcome == session.StateErrored.String() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d search terms failed", failed, len(summaries))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "report", "text", "report format: text, json or html")
	cmd.Flags().Duration("interval", 0, "minimum gap between scrape starts (default from batch_interval)")
	cmd.Flags().Float64("jitter", 0, "random variation of the gap, 0 to 1 (default from batch_jitter)")
	_ = a.v.BindPFlag("batch_interval", cmd.Flags().Lookup("interval"))
	_ = a.v.BindPFlag("batch_jitter", cmd.Flags().Lookup("jitter"))
	return cmd
}

func readTermsFile(stdin io.Reader, path string) ([]string, error) {
	if path == "-" {
		return pipeline.ReadTerms(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open terms file: %w", err)
	}
	defer f.Close()
	return pipeline.ReadTerms(f)
}
