package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

var ErrAccountNotFound = errors.New("mail account not found")

// SyncStatus is the lifecycle state of an account's mailbox sync.
type SyncStatus string

const (
	SyncStatusIdle              SyncStatus = "idle"
	SyncStatusQueued            SyncStatus = "queued"
	SyncStatusSyncing           SyncStatus = "syncing"
	SyncStatusBackgroundSyncing SyncStatus = "background_syncing"
	SyncStatusPendingResume     SyncStatus = "pending_resume"
	SyncStatusPaused            SyncStatus = "paused"
	SyncStatusCompleted         SyncStatus = "completed"
	SyncStatusError             SyncStatus = "error"
	SyncStatusErrorPermanent    SyncStatus = "error_permanent"
)

// InProgress reports whether a sync loop is expected to be running.
func (s SyncStatus) InProgress() bool {
	return s == SyncStatusSyncing || s == SyncStatusBackgroundSyncing
}

// Terminal reports whether the status ends a sync run.
func (s SyncStatus) Terminal() bool {
	switch s {
	case SyncStatusCompleted, SyncStatusError, SyncStatusErrorPermanent, SyncStatusIdle:
		return true
	}
	return false
}

// Column names of mail_accounts written through partial updates.
const (
	ColSyncStatus           = "sync_status"
	ColSyncCursor           = "sync_cursor"
	ColSyncedEmailCount     = "synced_email_count"
	ColTotalEmailCount      = "total_email_count"
	ColSyncProgress         = "sync_progress"
	ColContinuationCount    = "continuation_count"
	ColRetryCount           = "retry_count"
	ColLastActivityAt       = "last_activity_at"
	ColLastSyncedAt         = "last_synced_at"
	ColLastRetryAt          = "last_retry_at"
	ColNextRetryAt          = "next_retry_at"
	ColSyncStopped          = "sync_stopped"
	ColSuppressWebhooks     = "suppress_webhooks"
	ColInitialSyncCompleted = "initial_sync_completed"
	ColLastError            = "last_error"
	ColSyncMetadata         = "sync_metadata"
)

// MailAccount is a connected mailbox together with its sync state.
type MailAccount struct {
	ID     string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID string `gorm:"index" json:"user_id"`
	Email  string `gorm:"not null;index" json:"email"`

	// Provider selects the page fetcher: grant, gmail or imap.
	Provider        string `gorm:"not null;default:'grant'" json:"provider"`
	ProviderGrantID string `gorm:"index" json:"provider_grant_id"`

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthRefreshToken string `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted

	// ========= Sync State =========
	SyncStatus           SyncStatus     `gorm:"type:varchar(32);not null;default:'idle';index" json:"sync_status"`
	SyncCursor           *string        `gorm:"type:text" json:"sync_cursor"`
	SyncedEmailCount     int            `gorm:"default:0" json:"synced_email_count"`
	TotalEmailCount      int            `gorm:"default:0" json:"total_email_count"`
	SyncProgress         int            `gorm:"default:0" json:"sync_progress"`
	ContinuationCount    int            `gorm:"default:0" json:"continuation_count"`
	RetryCount           int            `gorm:"default:0" json:"retry_count"`
	LastActivityAt       *time.Time     `gorm:"index" json:"last_activity_at"`
	LastSyncedAt         *time.Time     `json:"last_synced_at"`
	LastRetryAt          *time.Time     `json:"last_retry_at"`
	NextRetryAt          *time.Time     `gorm:"index" json:"next_retry_at"`
	SyncStopped          bool           `gorm:"default:false" json:"sync_stopped"`
	SuppressWebhooks     bool           `gorm:"default:false" json:"suppress_webhooks"`
	InitialSyncCompleted bool           `gorm:"default:false" json:"initial_sync_completed"`
	LastError            *string        `gorm:"type:text" json:"last_error"`
	SyncMetadata         datatypes.JSON `json:"sync_metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncMetadata is the shape stored in MailAccount.SyncMetadata.
type SyncMetadata struct {
	RunID          string    `json:"run_id"`
	PagesFetched   int       `json:"pages_fetched"`
	MessagesPerMin float64   `json:"messages_per_min"`
	RunStartedAt   time.Time `json:"run_started_at"`
}
