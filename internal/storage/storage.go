package storage

import (
	"context"
	"time"
)

// BusinessRecord is one business entry discovered by a Google Maps scrape.
// Records are immutable once created.
type BusinessRecord struct {
	ID           string `json:"id"`
	BusinessName string `json:"businessName"`
	Website      string `json:"website,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// ArchivedRecord is a BusinessRecord as kept by an archive backend, together
// with the search that produced it.
type ArchivedRecord struct {
	BusinessRecord
	SearchTerm string    `json:"searchTerm"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Filter allows querying for specific archived records.
type Filter struct {
	SearchTerm string
	HasWebsite *bool
	HasPhone   *bool
	Since      *time.Time
	Limit      int
	Offset     int
}

// Match reports whether r passes every condition of the filter except
// Limit and Offset.
func (f Filter) Match(r *ArchivedRecord) bool {
	if f.SearchTerm != "" && r.SearchTerm != f.SearchTerm {
		return false
	}
	if f.HasWebsite != nil && (r.Website != "") != *f.HasWebsite {
		return false
	}
	if f.HasPhone != nil && (r.Phone != "") != *f.HasPhone {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Backend defines the interface for archiving and querying scraped records.
type Backend interface {
	// SaveBatch stores all records of one finished scrape and returns how
	// many were written.
	SaveBatch(ctx context.Context, searchTerm string, records []BusinessRecord) (int, error)
	Query(ctx context.Context, filter Filter) ([]*ArchivedRecord, error)
	Close() error
}

// Page orders matched records newest first and applies Offset and Limit.
// It is meant for file backends that filter in memory; records must be in
// insertion order.
func (f Filter) Page(records []*ArchivedRecord) []*ArchivedRecord {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []*ArchivedRecord{}
		}
		records = records[f.Offset:]
	}

	if f.Limit > 0 && f.Limit < len(records) {
		records = records[:f.Limit]
	}
	return records
}
