package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kuchabicho/contact-backend/models"
)

// MemDatabase is an in-memory contact store, for tests and local
// development.
type MemDatabase struct {
	mu       sync.Mutex
	contacts []models.ContactSubmission
	nextID   int64
	// Fail, when set, is returned from every call.
	Fail error
	// Now overrides the clock used to stamp submissions.
	Now func() time.Time
}

// InitMemDatabase returns an empty MemDatabase.
func InitMemDatabase() *MemDatabase {
	return &MemDatabase{nextID: 1}
}

func (db *MemDatabase) now() time.Time {
	if db.Now != nil {
		return db.Now()
	}
	return time.Now().UTC()
}

// Ping reports Fail, if set.
func (db *MemDatabase) Ping(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Fail != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, db.Fail)
	}
	return nil
}

// Close is a no-op.
func (db *MemDatabase) Close() error {
	return nil
}

// PutContact appends a copy of c.
func (db *MemDatabase) PutContact(ctx context.Context, c *models.ContactSubmission) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Fail != nil {
		return 0, db.Fail
	}
	record := *c
	record.ID = db.nextID
	record.SubmittedAt = db.now()
	db.nextID++
	db.contacts = append(db.contacts, record)
	*c = record
	return record.ID, nil
}

// GetRecentContacts returns up to limit submissions, newest first.
func (db *MemDatabase) GetRecentContacts(ctx context.Context, limit int) ([]models.ContactSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Fail != nil {
		return nil, db.Fail
	}
	sorted := make([]models.ContactSubmission, len(db.contacts))
	copy(sorted, db.contacts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SubmittedAt.Equal(sorted[j].SubmittedAt) {
			return sorted[i].SubmittedAt.After(sorted[j].SubmittedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// Count returns the number of stored submissions.
func (db *MemDatabase) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.contacts)
}

// ClearTables removes every submission.
func (db *MemDatabase) ClearTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.contacts = nil
	db.nextID = 1
	return nil
}
