package services

import (
	"context"
	"time"

	"github.com/desh0cc/psychopass/internal/database"

	"gorm.io/gorm"
)

const (
	txMaxRetries   = 3
	txInitialDelay = 100 * time.Millisecond
)

// MediaCache is the subset of the media cache the services depend on
type MediaCache interface {
	Cache(ctx context.Context, locator string) (string, bool)
	CacheBatch(ctx context.Context, locators []string) []string
}

// transact runs fn in one write transaction, retrying while the database is
// locked. fn must only use tx and must be safe to run again from scratch.
func transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return database.RetryWithBackoff(txMaxRetries, txInitialDelay, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isEmpty(s *string) bool {
	return s == nil || *s == ""
}
