package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS business_records (
	id TEXT PRIMARY KEY,
	search_term TEXT NOT NULL,
	business_name TEXT NOT NULL,
	website TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS business_records_term_idx ON business_records (search_term)`,
}

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) SaveBatch(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR REPLACE INTO business_records (
		id, search_term, business_name, website, phone, created_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, searchTerm, r.BusinessName, r.Website, r.Phone, now); err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ArchivedRecord, error) {
	query := `SELECT id, search_term, business_name, website, phone, created_at FROM business_records WHERE 1=1`
	args := []any{}

	if filter.SearchTerm != "" {
		query += ` AND search_term = ?`
		args = append(args, filter.SearchTerm)
	}
	if filter.HasWebsite != nil {
		if *filter.HasWebsite {
			query += ` AND website <> ''`
		} else {
			query += ` AND website = ''`
		}
	}
	if filter.HasPhone != nil {
		if *filter.HasPhone {
			query += ` AND phone <> ''`
		} else {
			query += ` AND phone = ''`
		}
	}
	if filter.Since != nil {
		// created_at is stored as UTC text, so the bound must be too
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}

	query += ` ORDER BY created_at DESC, rowid DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []*storage.ArchivedRecord
	for rows.Next() {
		var r storage.ArchivedRecord
		err := rows.Scan(&r.ID, &r.SearchTerm, &r.BusinessName, &r.Website, &r.Phone, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
