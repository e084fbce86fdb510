// Package session runs one live Google Maps scrape at a time: it starts the
// request, consumes the event stream, accumulates business records, honours
// a user stop, and hands the finished result set to a Forwarder.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/remote"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/stream"
	"github.com/google/uuid"
)

const (
	// DefaultClearDelay is how long the final progress stays visible after completion.
	DefaultClearDelay = 3 * time.Second
	defaultReadSize   = 32 << 10
)

// Initiator opens the scrape event stream.
type Initiator interface {
	StartScrape(ctx context.Context, req remote.ScrapeRequest) (io.ReadCloser, error)
}

// Forwarder receives the full result set of a completed scrape.
type Forwarder interface {
	Forward(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error)
}

// Config wires a Session.
type Config struct {
	Initiator Initiator
	// Forwarder is optional; without one completed results are only kept in memory.
	Forwarder Forwarder
	Observer  Observer
	Logger    *slog.Logger
	// ClearDelay of zero selects DefaultClearDelay; negative keeps progress forever.
	ClearDelay time.Duration
	ReadSize   int
	NewID      func() string
}

// Session owns the records and progress of the current scrape. Stop and
// Snapshot are safe to call from any goroutine.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	term       string
	progress   *Progress
	records    []storage.BusinessRecord
	err        error
	saved      int
	startedAt  time.Time
	finishedAt time.Time
	running    bool
	cancel     context.CancelFunc
	generation uint64
	clearTimer *time.Timer

	stopped atomic.Bool
}

// New creates an idle Session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClearDelay == 0 {
		cfg.ClearDelay = DefaultClearDelay
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Session{cfg: cfg, logger: cfg.Logger, saved: -1}
}

// Run performs one scrape and blocks until it reaches a terminal state.
// Previous results are discarded first. A stop, via Stop or ctx, ends the
// run in StateCancelled and returns nil. Transport failures, error events
// and premature end of stream return an error. Forwarding failures are
// logged and never returned.
func (s *Session) Run(ctx context.Context, req remote.ScrapeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	s.running = true
	s.cancel = cancel
	s.generation++
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.stopped.Store(false)
	s.state = StateRequesting
	s.term = req.SearchTerm
	s.records = nil
	s.err = nil
	s.saved = -1
	s.startedAt = time.Now()
	s.finishedAt = time.Time{}
	s.progress = &Progress{Total: req.MaxResults, Message: "Starting search..."}
	s.mu.Unlock()
	s.notify()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		state, elapsed := s.state, time.Since(s.startedAt)
		s.mu.Unlock()
		metrics.RecordSession(state.String(), elapsed)
	}()

	s.logger.Info("scrape started", "term", req.SearchTerm, "max", req.MaxResults, "exclude", req.ExcludeSector)

	body, err := s.cfg.Initiator.StartScrape(runCtx, req)
	if err != nil {
		if s.stopRequested(runCtx) {
			return s.cancelled()
		}
		return s.fail(err)
	}

	s.setState(StateStreaming)

	if err := s.consume(runCtx, body); err != nil {
		return err
	}

	if s.Snapshot().State == StateCompleted {
		s.forward(runCtx)
	}
	return nil
}

// Stop asks the running scrape to halt. It returns false if nothing was
// running or the run already reached a terminal state.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.state.Terminal() {
		return false
	}
	s.stopped.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Close releases the pending progress-clear timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}

// Snapshot returns a copy of the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      s.state,
		SearchTerm: s.term,
		Records:    append([]storage.BusinessRecord(nil), s.records...),
		Err:        s.err,
		Saved:      s.saved,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.progress != nil {
		p := *s.progress
		snap.Progress = &p
	}
	return snap
}

func (s *Session) notify() {
	if s.cfg.Observer == nil {
		return
	}
	s.cfg.Observer(s.Snapshot())
}

func (s *Session) stopRequested(ctx context.Context) bool {
	return s.stopped.Load() || ctx.Err() != nil
}

// consume reads body chunk by chunk until a terminal event, a stop, or the
// end of the stream. The stop flag is checked before every read and every line.
func (s *Session) consume(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()

	dec := stream.NewDecoder()
	buf := make([]byte, s.cfg.ReadSize)

	for {
		if s.stopRequested(ctx) {
			return s.cancelled()
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				if s.stopRequested(ctx) {
					return s.cancelled()
				}
				terminal, err := s.dispatch(line)
				if terminal {
					return err
				}
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			if rest := dec.End(); rest != "" {
				s.logger.Debug("discarding unterminated trailing line", "line", rest)
			}
			return s.fail(ErrStreamEnded)
		case s.stopRequested(ctx):
			return s.cancelled()
		default:
			return s.fail(&remote.Error{Kind: remote.KindTransport, Op: "scrape", Message: "stream interrupted", Cause: readErr})
		}
	}
}

// dispatch applies one line. It reports whether the line ended the stream
// and, for error events, the error to return.
func (s *Session) dispatch(line string) (bool, error) {
	ev, err := stream.ParseLine(line)
	switch {
	case errors.Is(err, stream.ErrNoMarker):
		if line != "" {
			s.logger.Debug("ignoring non-event line", "line", line)
		}
		return false, nil
	case errors.Is(err, stream.ErrUnknownType):
		metrics.SkippedLinesTotal.WithLabelValues("unknown_type").Inc()
		s.logger.Warn("skipping event of unknown type", "err", err)
		return false, nil
	case err != nil:
		metrics.SkippedLinesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("skipping malformed event", "line", line, "err", err)
		return false, nil
	}

	if r, ok := ev.(*stream.Result); ok && strings.TrimSpace(r.Data.BusinessName) == "" {
		metrics.SkippedLinesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("skipping result without business name", "line", line)
		return false, nil
	}

	metrics.EventsTotal.WithLabelValues(string(ev.EventType())).Inc()

	switch e := ev.(type) {
	case *stream.Status:
		s.mu.Lock()
		p := s.progress
		setIfPositive(&p.Current, e.Current)
		setIfPositive(&p.Total, e.Total)
		setIfPositive(&p.TotalFound, e.TotalFound)
		if e.Message != "" {
			p.Message = e.Message
		}
		s.mu.Unlock()

	case *stream.Result:
		rec := storage.BusinessRecord{
			ID:           s.cfg.NewID(),
			BusinessName: e.Data.BusinessName,
			Website:      e.Data.Website,
			Phone:        e.Data.Phone,
		}
		s.mu.Lock()
		s.records = append(s.records, rec)
		p := s.progress
		p.Current = len(s.records)
		setIfPositive(&p.Current, e.Current)
		setIfPositive(&p.Total, e.Total)
		p.TotalFound = max(p.TotalFound, len(s.records))
		setIfPositive(&p.TotalFound, e.TotalFound)
		p.Message = "Found: " + rec.BusinessName
		s.mu.Unlock()
		metrics.RecordsTotal.Inc()

	case *stream.Complete:
		s.mu.Lock()
		s.state = StateCompleted
		s.finishedAt = time.Now()
		p := s.progress
		p.Done = true
		setIfPositive(&p.TotalFound, e.TotalFound)
		p.Message = fmt.Sprintf("Completed: %d businesses found", len(s.records))
		count := len(s.records)
		s.mu.Unlock()
		if e.Count != count {
			s.logger.Warn("complete event count differs from received records", "count", e.Count, "received", count)
		}
		s.logger.Info("scrape completed", "term", s.term, "records", count)
		s.notify()
		return true, nil

	case *stream.Failure:
		return true, s.fail(newStreamError(e.Message))
	}

	s.notify()
	return false, nil
}

// forward hands the completed result set to the Forwarder once, then
// schedules the progress display to be cleared.
func (s *Session) forward(ctx context.Context) {
	s.mu.Lock()
	term, gen := s.term, s.generation
	records := append([]storage.BusinessRecord(nil), s.records...)
	s.mu.Unlock()

	if s.cfg.Forwarder != nil {
		saved, err := s.cfg.Forwarder.Forward(ctx, term, records)
		if err != nil {
			s.logger.Error("failed to save results", "term", term, "records", len(records), "err", err)
		} else {
			s.mu.Lock()
			if s.generation == gen {
				s.saved = saved
				s.progress.Message = fmt.Sprintf("Saved %d businesses", saved)
			}
			s.mu.Unlock()
			s.notify()
		}
	}

	s.scheduleClear(gen)
}

func (s *Session) scheduleClear(gen uint64) {
	if s.cfg.ClearDelay < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.clearTimer = time.AfterFunc(s.cfg.ClearDelay, func() {
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.progress = nil
		s.clearTimer = nil
		s.mu.Unlock()
		s.notify()
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateErrored
	s.err = err
	s.finishedAt = time.Now()
	if s.progress != nil {
		s.progress.Message = UserMessage(err)
	}
	s.mu.Unlock()

	s.logger.Error("scrape failed", "term", s.term, "err", err)
	s.notify()
	return err
}

func (s *Session) cancelled() error {
	s.mu.Lock()
	s.state = StateCancelled
	s.finishedAt = time.Now()
	if s.progress != nil {
		s.progress.Message = "Stopped"
	}
	count := len(s.records)
	s.mu.Unlock()

	s.logger.Info("scrape stopped", "term", s.term, "records", count)
	s.notify()
	return nil
}

// UserMessage renders err for an error banner.
func UserMessage(err error) string {
	var re *remote.Error
	var se *StreamError
	switch {
	case errors.As(err, &se):
		return se.Message
	case errors.As(err, &re):
		return re.UserMessage()
	case errors.Is(err, ErrStreamEnded):
		return "The scraper service closed the connection before finishing."
	default:
		return err.Error()
	}
}

func setIfPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
