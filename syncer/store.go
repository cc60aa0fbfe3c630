package syncer

import (
	"context"
	"time"

	"mailsync/models"
)

// Store persists account sync state and synced messages.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.MailAccount, error)
	// UpdateAccount writes only the given columns (see models.Col*).
	UpdateAccount(ctx context.Context, id string, fields map[string]interface{}) error
	// InsertEmail reports false when (account, provider message id) already exists.
	InsertEmail(ctx context.Context, email *models.SyncedEmail) (bool, error)
	CountEmails(ctx context.Context, accountID string) (int64, error)
	// ListResumable returns queued accounts and paused/pending_resume accounts
	// whose next_retry_at is due.
	ListResumable(ctx context.Context, now time.Time, limit int) ([]models.MailAccount, error)
	// ListStale returns in-progress accounts with no activity since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.MailAccount, error)
}

// Clock abstracts time so waits can be observed in tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
