package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS business_records (
	id TEXT PRIMARY KEY,
	search_term TEXT NOT NULL,
	business_name TEXT NOT NULL,
	website TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS business_records_term_idx ON business_records (search_term);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, schema)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) SaveBatch(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
	INSERT INTO business_records (
		id, search_term, business_name, website, phone, created_at
	) VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		search_term = EXCLUDED.search_term,
		business_name = EXCLUDED.business_name,
		website = EXCLUDED.website,
		phone = EXCLUDED.phone
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query, r.ID, searchTerm, r.BusinessName, r.Website, r.Phone, now)
	}

	br := b.pool.SendBatch(ctx, batch)
	defer br.Close()

	saved := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			return saved, fmt.Errorf("insert record: %w", err)
		}
		saved += int(tag.RowsAffected())
	}

	return saved, nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ArchivedRecord, error) {
	query := `SELECT id, search_term, business_name, website, phone, created_at FROM business_records WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.SearchTerm != "" {
		query += fmt.Sprintf(` AND search_term = $%d`, paramCount)
		args = append(args, filter.SearchTerm)
		paramCount++
	}
	if filter.HasWebsite != nil {
		query += fmt.Sprintf(` AND (website <> '') = $%d`, paramCount)
		args = append(args, *filter.HasWebsite)
		paramCount++
	}
	if filter.HasPhone != nil {
		query += fmt.Sprintf(` AND (phone <> '') = $%d`, paramCount)
		args = append(args, *filter.HasPhone)
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
