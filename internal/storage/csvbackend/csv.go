package csvbackend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order
var headers = []string{
	"id",
	"search_term",
	"business_name",
	"website",
	"phone",
	"created_at",
}

// New creates a new CSV-backed storage.Backend. The header row is written
// when the file is empty.
func New(filePath string) (storage.Backend, error) {
	// Open file for appending, create if it doesn't exist
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", filePath, err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush header: %w", err)
		}
	}

	return &csvBackend{
		file: f,
	}, nil
}

func (b *csvBackend) SaveBatch(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}

	w := csv.NewWriter(b.file)
	for _, r := range records {
		row := []string{r.ID, searchTerm, r.BusinessName, r.Website, r.Phone, createdAt}
		if err := w.Write(row); err != nil {
			return 0, fmt.Errorf("write %s: %w", r.ID, err)
		}
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}

	return len(records), nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ArchivedRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)

	// Read headers
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return []*storage.ArchivedRecord{}, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var matched []*storage.ArchivedRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		if len(row) != len(headers) {
			continue // skip malformed rows
		}

		createdAt, _ := time.Parse(time.RFC3339Nano, row[5])
		rec := &storage.ArchivedRecord{
			BusinessRecord: storage.BusinessRecord{
				ID:           row[0],
				BusinessName: row[2],
				Website:      row[3],
				Phone:        row[4],
			},
			SearchTerm: row[1],
			CreatedAt:  createdAt,
		}

		if filter.Match(rec) {
			matched = append(matched, rec)
		}
	}

	return filter.Page(matched), nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
