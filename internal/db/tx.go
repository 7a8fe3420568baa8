package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/milepost/internal/apperr"
	"gorm.io/gorm"
)

// Transact runs fn in a single transaction. Unique-constraint violations
// surface as retryable conflicts: they mean a concurrent writer got there first.
func Transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(fn)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict("concurrent write: %v", err)
	}
	return err
}

// UpdateVersioned applies updates to the row identified by keyCol = key,
// conditioned on its version still being version. The version is bumped in
// the same statement. Zero affected rows means another writer moved first.
func UpdateVersioned(tx *gorm.DB, model interface{}, keyCol, key string, version int, updates map[string]interface{}) error {
	updates["version"] = version + 1
	result := tx.Model(model).
		Where(keyCol+" = ? AND version = ?", key, version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("db: versioned update %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict("%s changed since it was read", key)
	}
	return nil
}

// NotFound maps gorm.ErrRecordNotFound to an apperr.NotFoundError and wraps
// anything else.
func NotFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(kind, id)
	}
	return fmt.Errorf("db: load %s %s: %w", kind, id, err)
}

// RetryPolicy bounds the transparent retries applied to optimistic conflicts.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	OnRetry  func(attempt int, err error)
}

// DefaultRetryPolicy returns three attempts with a short doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 20 * time.Millisecond}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last conflict is returned to the caller.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !apperr.IsRetryable(err) || attempt == attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		wait := p.Backoff << (attempt - 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
