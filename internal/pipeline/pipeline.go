package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/FranksOps/prospect/internal/remote"
	"github.com/FranksOps/prospect/internal/report"
	"github.com/FranksOps/prospect/internal/session"
	"github.com/FranksOps/prospect/pkg/ratelimit"
)

// Runner is the part of a session the batch drives.
type Runner interface {
	Run(ctx context.Context, req remote.ScrapeRequest) error
	Snapshot() session.Snapshot
}

// Batch runs several search terms one after another on a single session.
type Batch struct {
	Session       Runner
	Limiter       *ratelimit.Limiter // optional pacing between terms
	MaxResults    int
	ExcludeSector string
	Logger        *slog.Logger
	// OnSession, if set, is called after each term finishes.
	OnSession func(report.Summary)
}

// Run scrapes every term in order and returns one summary per term
// attempted. Failed terms are summarised and the batch moves on; a
// cancelled term or a cancelled ctx ends the batch without error.
func (b *Batch) Run(ctx context.Context, terms []string) ([]report.Summary, error) {
	if b.Session == nil {
		return nil, fmt.Errorf("batch has no session")
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	summaries := make([]report.Summary, 0, len(terms))
	for i, term := range terms {
		if b.Limiter != nil {
			if err := b.Limiter.Wait(ctx); err != nil {
				logger.Info("batch stopped", "done", i, "remaining", len(terms)-i)
				return summaries, nil
			}
		}
		if ctx.Err() != nil {
			return summaries, nil
		}

		req := remote.ScrapeRequest{SearchTerm: term, MaxResults: b.MaxResults, ExcludeSector: b.ExcludeSector}
		err := b.Session.Run(ctx, req)
		if errors.Is(err, remote.ErrInvalidRequest) || errors.Is(err, session.ErrBusy) {
			return summaries, fmt.Errorf("term %q: %w", term, err)
		}

		s := report.FromSnapshot(b.Session.Snapshot())
		summaries = append(summaries, s)
		if b.OnSession != nil {
			b.OnSession(s)
		}
		logger.Info("batch term finished", "term", term, "outcome", s.Outcome, "records", s.Records, "index", i+1, "of", len(terms))

		if s.Outcome == session.StateCancelled.String() {
			return summaries, nil
		}
	}
	return summaries, nil
}

// ReadTerms reads one search term per line. Blank lines and lines starting
// with '#' are skipped.
func ReadTerms(r io.Reader) ([]string, error) {
	var terms []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read terms: %w", err)
	}
	return terms, nil
}
