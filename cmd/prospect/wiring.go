package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/FranksOps/prospect/internal/fingerprint"
	"github.com/FranksOps/prospect/internal/remote"
	"github.com/FranksOps/prospect/internal/session"
	"github.com/FranksOps/prospect/internal/sink"
	"github.com/FranksOps/prospect/pkg/httpclient"
	"github.com/FranksOps/prospect/pkg/useragent"
)

// wiredSession is one wired session plus the resources to release after it.
type wiredSession struct {
	session  *session.Session
	archives []*sink.Archive
}

func (r *wiredSession) Close() error {
	r.session.Close()
	var errs []error
	for _, a := range r.archives {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s archive: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) newRemote() (*remote.Client, error) {
	profile, err := fingerprint.ParseProfile(a.cfg.TLSProfile)
	if err != nil {
		return nil, err
	}
	transport, err := fingerprint.Transport(profile, fingerprint.Options{InsecureSkipVerify: a.cfg.TLSInsecure})
	if err != nil {
		return nil, fmt.Errorf("tls transport: %w", err)
	}

	hc, err := httpclient.New(httpclient.Config{
		Timeout:       -1,
		HeaderTimeout: a.cfg.HeaderTimeout,
		MaxRedirects:  3,
		UserAgent:     useragent.ForProfile(string(profile)),
		Token:         a.cfg.Token,
		Transport:     transport,
	})
	if err != nil {
		return nil, err
	}

	return remote.New(remote.Config{
		BaseURL:    a.cfg.BaseURL,
		ScrapePath: a.cfg.ScrapePath,
		SavePath:   a.cfg.SavePath,
		HTTP:       hc,
		Logger:     a.logger,
	})
}

// wireSession wires remote client, archives and session. progress receives
// human-readable progress lines.
func (a *app) wireSession(ctx context.Context, progress io.Writer) (*wiredSession, error) {
	if err := a.cfg.RequireBackend(); err != nil {
		return nil, err
	}

	rc, err := a.newRemote()
	if err != nil {
		return nil, err
	}

	rt := &wiredSession{}
	archives := make([]sink.Named, 0, len(a.cfg.Archive))
	for _, spec := range a.cfg.Archive {
		arc, err := sink.Open(ctx, spec)
		if err != nil {
			for _, opened := range rt.archives {
				_ = opened.Close()
			}
			return nil, err
		}
		rt.archives = append(rt.archives, arc)
		archives = append(archives, arc)
	}

	rt.session = session.New(session.Config{
		Initiator:  rc,
		Forwarder:  sink.NewMulti(a.logger, rc, archives...),
		Observer:   newProgressPrinter(progress).observe,
		Logger:     a.logger,
		ClearDelay: a.cfg.ClearDelay,
	})
	return rt, nil
}

// progressPrinter writes one line per visible progress change.
type progressPrinter struct {
	w    io.Writer
	last string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) observe(snap session.Snapshot) {
	if snap.Progress == nil || p.w == nil {
		return
	}
	line := snap.Progress.Message
	if snap.Progress.Total > 0 {
		line = fmt.Sprintf("[%d/%d] %s", snap.Progress.Current, snap.Progress.Total, line)
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.w, line)
}

func (a *app) scrapeRequest(term string) remote.ScrapeRequest {
	return remote.ScrapeRequest{
		SearchTerm:    term,
		MaxResults:    a.cfg.MaxResults,
		ExcludeSector: a.cfg.ExcludeSector,
	}
}

func logClose(logger *slog.Logger, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logger.Warn("cleanup failed", "err", err)
	}
}
