// Package sink delivers finished result sets to the dashboard backend and to
// optional local archives.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/storage/csvbackend"
	"github.com/FranksOps/prospect/internal/storage/jsonbackend"
	"github.com/FranksOps/prospect/internal/storage/postgres"
	"github.com/FranksOps/prospect/internal/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// Named is a forwarder that identifies itself in logs and metrics.
type Named interface {
	Name() string
	Forward(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error)
}

// Archive stores result sets in a local storage.Backend.
type Archive struct {
	name    string
	backend storage.Backend
}

// NewArchive wraps backend under name.
func NewArchive(name string, backend storage.Backend) *Archive {
	return &Archive{name: name, backend: backend}
}

func (a *Archive) Name() string { return a.name }

func (a *Archive) Forward(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	return a.backend.SaveBatch(ctx, searchTerm, records)
}

func (a *Archive) Close() error {
	return a.backend.Close()
}

// OpenBackend opens the backend described by spec, one of
// "sqlite:<dsn>", "postgres:<dsn>", "json:<path>" or "csv:<path>".
func OpenBackend(ctx context.Context, spec string) (storage.Backend, string, error) {
	kind, target, ok := strings.Cut(spec, ":")
	if !ok || target == "" {
		return nil, "", fmt.Errorf("archive %q: want <kind>:<target>", spec)
	}

	var (
		b   storage.Backend
		err error
	)
	switch kind {
	case "sqlite":
		b, err = sqlite.New(target)
	case "postgres":
		b, err = postgres.New(ctx, target)
	case "json":
		b, err = jsonbackend.New(target)
	case "csv":
		b, err = csvbackend.New(target)
	default:
		return nil, "", fmt.Errorf("archive %q: unknown kind %q", spec, kind)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open %s archive: %w", kind, err)
	}
	return b, kind, nil
}

// Open is OpenBackend wrapped in an Archive named after its kind.
func Open(ctx context.Context, spec string) (*Archive, error) {
	b, kind, err := OpenBackend(ctx, spec)
	if err != nil {
		return nil, err
	}
	return NewArchive(kind, b), nil
}

// Multi forwards one result set to a primary sink and any number of
// archives concurrently. Only the primary decides the outcome: its saved
// count and error are returned, archive failures are logged.
type Multi struct {
	primary  Named
	archives []Named
	logger   *slog.Logger
}

// NewMulti creates a Multi. primary may be nil when only archives are
// configured, in which case the first archive takes its place.
func NewMulti(logger *slog.Logger, primary Named, archives ...Named) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	if primary == nil && len(archives) > 0 {
		primary, archives = archives[0], archives[1:]
	}
	return &Multi{primary: primary, archives: archives, logger: logger}
}

func (m *Multi) Name() string {
	if m.primary == nil {
		return "none"
	}
	return m.primary.Name()
}

func (m *Multi) Forward(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	if m.primary == nil {
		return 0, fmt.Errorf("no sink configured")
	}

	var (
		g          errgroup.Group
		saved      int
		primaryErr error
	)

	g.Go(func() error {
		saved, primaryErr = m.primary.Forward(ctx, searchTerm, records)
		metrics.RecordForward(m.primary.Name(), saved, primaryErr)
		return primaryErr
	})

	for _, a := range m.archives {
		g.Go(func() error {
			n, err := a.Forward(ctx, searchTerm, records)
			metrics.RecordForward(a.Name(), n, err)
			if err != nil {
				m.logger.Warn("archive failed", "sink", a.Name(), "term", searchTerm, "err", err)
				return nil
			}
			m.logger.Debug("archived results", "sink", a.Name(), "term", searchTerm, "saved", n)
			return nil
		})
	}

	_ = g.Wait()
	if primaryErr != nil {
		return 0, fmt.Errorf("%s: %w", m.primary.Name(), primaryErr)
	}
	return saved, nil
}
