package jsonbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

type jsonBackend struct {
	mu   sync.Mutex
	file *os.File
}

// New creates a new NDJSON-backed storage.Backend. Each archived record is
// written as one line.
func New(filePath string) (storage.Backend, error) {
	// Open file for appending, create if it doesn't exist
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}

	return &jsonBackend{
		file: f,
	}, nil
}

func (b *jsonBackend) SaveBatch(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	now := time.Now().UTC()

	// Encode the whole batch first so a marshal failure writes nothing
	var buf []byte
	for _, r := range records {
		data, err := json.Marshal(storage.ArchivedRecord{
			BusinessRecord: r,
			SearchTerm:     searchTerm,
			CreatedAt:      now,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal %s: %w", r.ID, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Write(buf); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	return len(records), nil
}

func (b *jsonBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ArchivedRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Seek to the beginning of the file to read all entries
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	// Records are newline-delimited but may be arbitrarily long
	dec := json.NewDecoder(b.file)

	var matched []*storage.ArchivedRecord
	for {
		var r storage.ArchivedRecord
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode record: %w", err)
		}

		if filter.Match(&r) {
			matched = append(matched, &r)
		}
	}

	return filter.Page(matched), nil
}

func (b *jsonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
